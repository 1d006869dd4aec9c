package board

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opListMembers      = "board.list_members"
	opAddMember        = "board.add_member"
	opChangeRole       = "board.change_role"
	opRemoveMember     = "board.remove_member"
	opSetViewerToken   = "board.set_viewer_token"
	opRestoreMember    = "board.restore_member"
	opReplaceDocument  = "board.replace_document"
	queryBoardAndUser  = "board_id = ? AND user_id = ?"
	queryBoardAndOwner = "board_id = ? AND role = ?"
)

var (
	// ErrMemberNotFound indicates that a user is not a member of the board.
	ErrMemberNotFound = errors.New("board: member not found")
	// ErrLastOwner indicates that an operation would leave the board without an owner.
	ErrLastOwner = errors.New("board: cannot remove the last owner")
)

// ListMembers returns the board's members ordered by join time.
func (s *Service) ListMembers(ctx context.Context, boardID BoardID) ([]Member, error) {
	var members []Member
	if err := s.db.WithContext(ctx).
		Where("board_id = ?", boardID.String()).
		Order("added_at_s ASC, user_id ASC").
		Find(&members).Error; err != nil {
		s.logError(opListMembers, "query_failed", err, zap.String("board_id", boardID.String()))
		return nil, newServiceError(opListMembers, "query_failed", err)
	}
	return members, nil
}

// AddMember adds or updates a membership with the provided role.
func (s *Service) AddMember(ctx context.Context, boardID BoardID, userID UserID, role Role) error {
	member := Member{
		BoardID:        boardID.String(),
		UserID:         userID.String(),
		Role:           role.String(),
		AddedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "board_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role"}),
	}).Create(&member).Error
	if err != nil {
		s.logError(opAddMember, "upsert_failed", err, zap.String("board_id", boardID.String()))
		return newServiceError(opAddMember, "upsert_failed", err)
	}
	return nil
}

// ChangeRole updates a member's role. Demoting the sole remaining owner fails
// with ErrLastOwner and leaves membership unchanged.
func (s *Service) ChangeRole(ctx context.Context, boardID BoardID, userID UserID, role Role) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var member Member
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryBoardAndUser, boardID.String(), userID.String()).
			Take(&member).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrMemberNotFound
		}
		if err != nil {
			return newServiceError(opChangeRole, "member_select_failed", err)
		}

		if member.Role == RoleOwner.String() && role != RoleOwner {
			owners, err := ownerCount(tx, boardID)
			if err != nil {
				return newServiceError(opChangeRole, "owner_count_failed", err)
			}
			if owners <= 1 {
				return ErrLastOwner
			}
		}

		member.Role = role.String()
		if err := tx.Save(&member).Error; err != nil {
			return newServiceError(opChangeRole, "member_save_failed", err)
		}
		return nil
	})
	if txErr != nil && !errors.Is(txErr, ErrMemberNotFound) && !errors.Is(txErr, ErrLastOwner) {
		s.logError(opChangeRole, "transaction_failed", txErr, zap.String("board_id", boardID.String()))
	}
	return txErr
}

// RemoveMember removes a membership. Removing the sole remaining owner fails
// with ErrLastOwner and leaves membership unchanged.
func (s *Service) RemoveMember(ctx context.Context, boardID BoardID, userID UserID) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var member Member
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryBoardAndUser, boardID.String(), userID.String()).
			Take(&member).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrMemberNotFound
		}
		if err != nil {
			return newServiceError(opRemoveMember, "member_select_failed", err)
		}

		if member.Role == RoleOwner.String() {
			owners, err := ownerCount(tx, boardID)
			if err != nil {
				return newServiceError(opRemoveMember, "owner_count_failed", err)
			}
			if owners <= 1 {
				return ErrLastOwner
			}
		}

		if err := tx.Where(queryBoardAndUser, boardID.String(), userID.String()).
			Delete(&Member{}).Error; err != nil {
			return newServiceError(opRemoveMember, "member_delete_failed", err)
		}
		return nil
	})
	if txErr != nil && !errors.Is(txErr, ErrMemberNotFound) && !errors.Is(txErr, ErrLastOwner) {
		s.logError(opRemoveMember, "transaction_failed", txErr, zap.String("board_id", boardID.String()))
	}
	return txErr
}

// RestoreMember merges one member from an export artifact: a new user is
// inserted, an existing user takes the incoming role. The merge is skipped
// when it would demote the board's sole owner.
func (s *Service) RestoreMember(ctx context.Context, boardID BoardID, userID UserID, role Role) (created bool, err error) {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Member
		lookupErr := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryBoardAndUser, boardID.String(), userID.String()).
			Take(&existing).Error
		if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			member := Member{
				BoardID:        boardID.String(),
				UserID:         userID.String(),
				Role:           role.String(),
				AddedAtSeconds: s.clock().UTC().Unix(),
			}
			if createErr := tx.Create(&member).Error; createErr != nil {
				return newServiceError(opRestoreMember, "insert_failed", createErr)
			}
			created = true
			return nil
		}
		if lookupErr != nil {
			return newServiceError(opRestoreMember, "member_select_failed", lookupErr)
		}
		if existing.Role == role.String() {
			return nil
		}
		if existing.Role == RoleOwner.String() && role != RoleOwner {
			owners, countErr := ownerCount(tx, boardID)
			if countErr != nil {
				return newServiceError(opRestoreMember, "owner_count_failed", countErr)
			}
			if owners <= 1 {
				return nil
			}
		}
		existing.Role = role.String()
		if saveErr := tx.Save(&existing).Error; saveErr != nil {
			return newServiceError(opRestoreMember, "member_save_failed", saveErr)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opRestoreMember, "transaction_failed", txErr, zap.String("board_id", boardID.String()))
		return false, txErr
	}
	return created, nil
}

// RotateViewerToken enables public viewer access with a fresh token and
// returns it.
func (s *Service) RotateViewerToken(ctx context.Context, boardID BoardID) (string, error) {
	token, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSetViewerToken, "id_generation_failed", err, zap.String("board_id", boardID.String()))
		return "", newServiceError(opSetViewerToken, "id_generation_failed", err)
	}
	if err := s.SetViewerToken(ctx, boardID, token); err != nil {
		return "", err
	}
	return token, nil
}

// ClearViewerToken disables public viewer access.
func (s *Service) ClearViewerToken(ctx context.Context, boardID BoardID) error {
	return s.SetViewerToken(ctx, boardID, "")
}

// SetViewerToken writes the board's public-viewer token; an empty token
// disables public access.
func (s *Service) SetViewerToken(ctx context.Context, boardID BoardID, token string) error {
	result := s.db.WithContext(ctx).Model(&Board{}).
		Where("board_id = ?", boardID.String()).
		Update("public_viewer_token", token)
	if result.Error != nil {
		s.logError(opSetViewerToken, "update_failed", result.Error, zap.String("board_id", boardID.String()))
		return newServiceError(opSetViewerToken, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrBoardNotFound
	}
	return nil
}

// ReplaceDocument overwrites the board's cached document blob, used by restore
// when the incoming snapshot differs by checksum.
func (s *Service) ReplaceDocument(ctx context.Context, boardID BoardID, documentJSON string) error {
	result := s.db.WithContext(ctx).Model(&Board{}).
		Where("board_id = ?", boardID.String()).
		Updates(map[string]interface{}{
			"document_json": documentJSON,
			"updated_at_s":  s.clock().UTC().Unix(),
		})
	if result.Error != nil {
		s.logError(opReplaceDocument, "update_failed", result.Error, zap.String("board_id", boardID.String()))
		return newServiceError(opReplaceDocument, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrBoardNotFound
	}
	return nil
}

func ownerCount(tx *gorm.DB, boardID BoardID) (int64, error) {
	var owners int64
	err := tx.Model(&Member{}).
		Where(queryBoardAndOwner, boardID.String(), RoleOwner.String()).
		Count(&owners).Error
	return owners, err
}
