package server

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/tessella-app/tessella/internal/board"
)

// eventEnvelope is the wire frame for every socket message in both directions.
type eventEnvelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// session is one connected socket. A session belongs to at most one room at a
// time; joining another board transparently leaves the previous room.
type session struct {
	id          int64
	conn        *websocket.Conn
	writeMu     sync.Mutex
	userID      string
	displayName string
	boardID     board.BoardID
	role        board.Role
	joined      bool
}

func (s *session) send(event string, data interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(eventEnvelope{Event: event, Data: data})
}

// RoomRegistry is the process-wide registry of rooms keyed by board id. Empty
// rooms are removed on the last leave.
type RoomRegistry struct {
	mu     sync.RWMutex
	rooms  map[board.BoardID]map[int64]*session
	nextID int64
}

// NewRoomRegistry returns an empty registry.
func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{
		rooms: make(map[board.BoardID]map[int64]*session),
	}
}

func (r *RoomRegistry) nextSessionID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID
}

// Join places the session in the board's room, leaving any previous room
// first. It returns the board id of the room that was left, if any.
func (r *RoomRegistry) Join(sess *session, boardID board.BoardID, role board.Role) (board.BoardID, bool) {
	r.mu.Lock()
	var left board.BoardID
	leftAny := false
	if sess.joined && sess.boardID != boardID {
		r.removeLocked(sess)
		left = sess.boardID
		leftAny = true
	}
	if _, ok := r.rooms[boardID]; !ok {
		r.rooms[boardID] = make(map[int64]*session)
	}
	r.rooms[boardID][sess.id] = sess
	sess.boardID = boardID
	sess.role = role
	sess.joined = true
	r.mu.Unlock()
	return left, leftAny
}

// Leave removes the session from its room, if any.
func (r *RoomRegistry) Leave(sess *session) {
	r.mu.Lock()
	if sess.joined {
		r.removeLocked(sess)
		sess.joined = false
	}
	r.mu.Unlock()
}

func (r *RoomRegistry) removeLocked(sess *session) {
	members := r.rooms[sess.boardID]
	if members != nil {
		delete(members, sess.id)
		if len(members) == 0 {
			delete(r.rooms, sess.boardID)
		}
	}
}

// Peers returns every session in the board's room except the excluded one.
func (r *RoomRegistry) Peers(boardID board.BoardID, excludeID int64) []*session {
	r.mu.RLock()
	members := r.rooms[boardID]
	peers := make([]*session, 0, len(members))
	for _, candidate := range members {
		if candidate.id == excludeID {
			continue
		}
		peers = append(peers, candidate)
	}
	r.mu.RUnlock()
	return peers
}

// RoomSize reports the number of sessions currently in the board's room.
func (r *RoomRegistry) RoomSize(boardID board.BoardID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[boardID])
}

// broadcast sends an event to every session in the room except excludeID.
// Delivery is at-most-once: write failures are ignored, the read loop of the
// failing socket will tear it down.
func (r *RoomRegistry) broadcast(boardID board.BoardID, excludeID int64, event string, data interface{}) {
	for _, peer := range r.Peers(boardID, excludeID) {
		_ = peer.send(event, data)
	}
}
