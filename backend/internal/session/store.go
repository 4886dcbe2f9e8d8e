package session

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	apperrors "mindflow/backend/pkg/errors"
	"mindflow/backend/pkg/logger"
)

// Store persists chat rooms and the separation ledger in the relational store
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore creates a session store over an existing gorm handle
func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:     db,
		logger: logger.Get(),
	}
}

// Migrate creates or updates the chat_rooms and separation_records tables
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&ChatRoom{}, &SeparationRecord{})
}

// CreateChatRoom inserts a new session row and returns it with its generated id
func (s *Store) CreateChatRoom(ctx context.Context, title, accountID string) (*ChatRoom, error) {
	room := &ChatRoom{
		Title:     title,
		AccountID: accountID,
	}
	if err := s.db.WithContext(ctx).Create(room).Error; err != nil {
		return nil, apperrors.NewStoreUnavailable("mysql", err)
	}

	s.logger.Info("Chat room created",
		zap.Int64("session_id", room.ID),
		zap.String("account_id", accountID),
	)
	return room, nil
}

// GetChatRoom reads a session row by id, scoped to the caller's account.
// Another account's session is indistinguishable from a missing one.
func (s *Store) GetChatRoom(ctx context.Context, accountID string, id int64) (*ChatRoom, error) {
	var room ChatRoom
	err := s.db.WithContext(ctx).Where("id = ? AND account_id = ?", id, accountID).First(&room).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewSessionNotFound(id)
		}
		return nil, apperrors.NewStoreUnavailable("mysql", err)
	}
	return &room, nil
}

// SetStarred toggles the starred flag on a session owned by the account
func (s *Store) SetStarred(ctx context.Context, accountID string, id int64, starred bool) error {
	result := s.db.WithContext(ctx).Model(&ChatRoom{}).
		Where("id = ? AND account_id = ?", id, accountID).
		Update("starred", starred)
	if result.Error != nil {
		return apperrors.NewStoreUnavailable("mysql", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.NewSessionNotFound(id)
	}
	return nil
}

// RenameChatRoom updates the title of a session owned by the account
func (s *Store) RenameChatRoom(ctx context.Context, accountID string, id int64, title string) error {
	result := s.db.WithContext(ctx).Model(&ChatRoom{}).
		Where("id = ? AND account_id = ?", id, accountID).
		Update("title", title)
	if result.Error != nil {
		return apperrors.NewStoreUnavailable("mysql", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.NewSessionNotFound(id)
	}
	return nil
}

// ClaimSeparation inserts a pending separation record for the node, or loads
// the existing one when an attempt already ran. The second return value
// reports whether this caller won the claim; the loser resumes or
// short-circuits on the record it gets back.
func (s *Store) ClaimSeparation(ctx context.Context, accountID, nodeID, originalSessionID string) (*SeparationRecord, bool, error) {
	record := &SeparationRecord{
		SourceNodeID:      nodeID,
		AccountID:         accountID,
		OriginalSessionID: originalSessionID,
		Status:            StatusPending,
		LastCompletedStep: StepNone,
	}

	err := s.db.WithContext(ctx).Create(record).Error
	if err == nil {
		return record, true, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, false, apperrors.NewStoreUnavailable("mysql", err)
	}

	existing, err := s.FindSeparationBySourceNode(ctx, nodeID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// FindSeparationBySourceNode loads the separation record for a node, if any.
// Returns (nil, nil) when no attempt was ever recorded.
func (s *Store) FindSeparationBySourceNode(ctx context.Context, nodeID string) (*SeparationRecord, error) {
	var record SeparationRecord
	err := s.db.WithContext(ctx).Where("source_node_id = ?", nodeID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, apperrors.NewStoreUnavailable("mysql", err)
	}
	return &record, nil
}

// RecordStep durably marks a saga step as committed
func (s *Store) RecordStep(ctx context.Context, recordID int64, step int) error {
	err := s.db.WithContext(ctx).Model(&SeparationRecord{}).
		Where("id = ?", recordID).
		Update("last_completed_step", step).Error
	if err != nil {
		return apperrors.NewStoreUnavailable("mysql", err)
	}
	return nil
}

// RecordNewSession stores the created session id alongside the step marker so
// a resumed attempt reuses it instead of creating another session. The write
// is conditional on no session being recorded yet; when a concurrent attempt
// already recorded one, that id comes back and the caller's session is
// abandoned. Only one caller can win this write.
func (s *Store) RecordNewSession(ctx context.Context, recordID, newSessionID int64) (int64, error) {
	result := s.db.WithContext(ctx).Model(&SeparationRecord{}).
		Where("id = ? AND new_session_id = 0", recordID).
		Updates(map[string]interface{}{
			"new_session_id":      newSessionID,
			"last_completed_step": StepSessionCreated,
		})
	if result.Error != nil {
		return 0, apperrors.NewStoreUnavailable("mysql", result.Error)
	}
	if result.RowsAffected > 0 {
		return newSessionID, nil
	}

	var record SeparationRecord
	if err := s.db.WithContext(ctx).First(&record, recordID).Error; err != nil {
		return 0, apperrors.NewStoreUnavailable("mysql", err)
	}
	s.logger.Warn("Concurrent separation already recorded a session",
		zap.Int64("record_id", recordID),
		zap.Int64("abandoned_session_id", newSessionID),
		zap.Int64("recorded_session_id", record.NewSessionID),
	)
	return record.NewSessionID, nil
}

// AppendSkippedFragment records a fragment that could not be copied. The saga
// keeps going; the record keeps the omission auditable.
func (s *Store) AppendSkippedFragment(ctx context.Context, recordID int64, fragmentID string) error {
	var record SeparationRecord
	if err := s.db.WithContext(ctx).First(&record, recordID).Error; err != nil {
		return apperrors.NewStoreUnavailable("mysql", err)
	}

	skipped := record.SkippedFragments
	if skipped != "" {
		if containsFragment(skipped, fragmentID) {
			return nil
		}
		skipped += "," + fragmentID
	} else {
		skipped = fragmentID
	}

	err := s.db.WithContext(ctx).Model(&SeparationRecord{}).
		Where("id = ?", recordID).
		Update("skipped_fragments", skipped).Error
	if err != nil {
		return apperrors.NewStoreUnavailable("mysql", err)
	}
	return nil
}

// CompleteSeparation finalizes the record
func (s *Store) CompleteSeparation(ctx context.Context, recordID int64) error {
	err := s.db.WithContext(ctx).Model(&SeparationRecord{}).
		Where("id = ?", recordID).
		Updates(map[string]interface{}{
			"status":              StatusCompleted,
			"last_completed_step": StepRescoped,
		}).Error
	if err != nil {
		return apperrors.NewStoreUnavailable("mysql", err)
	}
	return nil
}

// FailSeparation marks the record failed. The record stays resumable; a later
// attempt picks up from last_completed_step.
func (s *Store) FailSeparation(ctx context.Context, recordID int64) error {
	err := s.db.WithContext(ctx).Model(&SeparationRecord{}).
		Where("id = ?", recordID).
		Update("status", StatusFailed).Error
	if err != nil {
		return apperrors.NewStoreUnavailable("mysql", err)
	}
	return nil
}

func containsFragment(skipped, fragmentID string) bool {
	for _, id := range strings.Split(skipped, ",") {
		if id == fragmentID {
			return true
		}
	}
	return false
}
