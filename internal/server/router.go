package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tessella-app/tessella/internal/auth"
	"github.com/tessella-app/tessella/internal/board"
	"github.com/tessella-app/tessella/internal/export"
	"github.com/tessella-app/tessella/internal/users"
	"go.uber.org/zap"
)

var (
	errMissingCoordinator = errors.New("server: coordinator dependency required")
	errMissingValidator   = errors.New("server: session validator dependency required")
	errMissingBoards      = errors.New("server: board service dependency required")
)

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Coordinator *Coordinator
	Validator   *auth.SessionValidator
	Boards      *board.Service
	Users       *users.Service
	Exporter    *export.Service
	Logger      *zap.Logger
}

// NewHTTPHandler assembles the gin router: health, the websocket endpoint,
// and a read-only export endpoint for tooling.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Boards == nil {
		return nil, errMissingBoards
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		validator: deps.Validator,
		boards:    deps.Boards,
		users:     deps.Users,
		exporter:  deps.Exporter,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/ws", deps.Coordinator.HandleSocket)
	if deps.Exporter != nil {
		router.GET("/boards/:id/export", handler.handleExport)
	}

	return router, nil
}

type httpHandler struct {
	validator *auth.SessionValidator
	boards    *board.Service
	users     *users.Service
	exporter  *export.Service
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleExport serves the export artifact for a board the caller is a member
// of. The export reads the durable stores only.
func (h *httpHandler) handleExport(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	// Membership rows are keyed by canonical user id, same as the socket path.
	userID := claims.UserID
	if h.users != nil {
		if canonical, resolveErr := h.users.ResolveCanonicalUserID(claims); resolveErr == nil {
			userID = canonical
		}
	}

	boardID, err := board.NewBoardID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_board_id"})
		return
	}

	members, err := h.boards.ListMembers(c.Request.Context(), boardID)
	if err != nil {
		h.logger.Error("member lookup failed for export", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export_failed"})
		return
	}
	isMember := false
	for _, member := range members {
		if member.UserID == userID {
			isMember = true
			break
		}
	}
	if !isMember {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	artifact, err := h.exporter.Export(c.Request.Context(), boardID)
	if err != nil {
		if errors.Is(err, board.ErrBoardNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "board_not_found"})
			return
		}
		h.logger.Error("export failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export_failed"})
		return
	}
	c.JSON(http.StatusOK, artifact)
}
