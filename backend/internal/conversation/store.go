package conversation

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	apperrors "mindflow/backend/pkg/errors"
	"mindflow/backend/pkg/logger"
)

// Store persists conversation turns in the chat_logs collection. The caller
// owns the mongo.Client lifecycle.
type Store struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewStore creates a conversation store over an existing database handle
func NewStore(db *mongo.Database) *Store {
	return &Store{
		collection: db.Collection("chat_logs"),
		logger:     logger.Get(),
	}
}

// EnsureIndexes creates the unique index that makes session copies exclusive:
// at most one turn per (session, fragment) pair. Two concurrently resumed
// separations racing past the existence check collapse into a single copy at
// insert time.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "chat_room_id", Value: 1},
			{Key: "answer_sentences.sentence_id", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return apperrors.NewStoreUnavailable("mongodb", err)
	}
	return nil
}

// FindByFragmentID resolves the turn owning an answer fragment, scoped to the
// caller's account
func (s *Store) FindByFragmentID(ctx context.Context, accountID, fragmentID string) (*ChatLog, error) {
	filter := bson.M{
		"user_id":                      accountID,
		"answer_sentences.sentence_id": fragmentID,
	}

	var log ChatLog
	err := s.collection.FindOne(ctx, filter).Decode(&log)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperrors.NewFragmentNotFound(fragmentID)
		}
		return nil, apperrors.NewStoreUnavailable("mongodb", err)
	}

	return &log, nil
}

// Create inserts a new conversation turn
func (s *Store) Create(ctx context.Context, accountID string, sessionID int64, question string, sentences []AnswerSentence) (*ChatLog, error) {
	log := &ChatLog{
		ID:              bson.NewObjectID(),
		SessionID:       sessionID,
		AccountID:       accountID,
		Question:        question,
		AnswerSentences: sentences,
		CreatedAt:       time.Now().UTC(),
	}

	if _, err := s.collection.InsertOne(ctx, log); err != nil {
		return nil, apperrors.NewStoreUnavailable("mongodb", err)
	}

	return log, nil
}

// CopyToSession inserts a copy of a turn under a new session. The copy keeps
// question, fragments and fragment ids byte for byte but gets a fresh document
// identity; the original is never touched.
func (s *Store) CopyToSession(ctx context.Context, original *ChatLog, newSessionID int64) (*ChatLog, error) {
	sentences := make([]AnswerSentence, len(original.AnswerSentences))
	copy(sentences, original.AnswerSentences)

	duplicate := &ChatLog{
		ID:              bson.NewObjectID(),
		SessionID:       newSessionID,
		AccountID:       original.AccountID,
		Question:        original.Question,
		AnswerSentences: sentences,
		CreatedAt:       time.Now().UTC(),
		Processed:       original.Processed,
	}

	if _, err := s.collection.InsertOne(ctx, duplicate); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// A concurrent attempt copied this turn first; the copy exists
			s.logger.Debug("Chat log already copied to session",
				zap.String("source_id", original.ID.Hex()),
				zap.Int64("session_id", newSessionID),
			)
			return duplicate, nil
		}
		return nil, apperrors.NewStoreUnavailable("mongodb", err)
	}

	s.logger.Debug("Copied chat log to new session",
		zap.String("source_id", original.ID.Hex()),
		zap.String("copy_id", duplicate.ID.Hex()),
		zap.Int64("session_id", newSessionID),
	)
	return duplicate, nil
}

// ExistsInSession reports whether a turn carrying the fragment already lives
// in the session. The separation saga uses this to keep the copy step
// idempotent across resumed attempts.
func (s *Store) ExistsInSession(ctx context.Context, accountID string, sessionID int64, fragmentID string) (bool, error) {
	filter := bson.M{
		"user_id":                      accountID,
		"chat_room_id":                 sessionID,
		"answer_sentences.sentence_id": fragmentID,
	}

	count, err := s.collection.CountDocuments(ctx, filter, options.Count().SetLimit(1))
	if err != nil {
		return false, apperrors.NewStoreUnavailable("mongodb", err)
	}
	return count > 0, nil
}

// ListBySession returns a session's turns in creation order
func (s *Store) ListBySession(ctx context.Context, accountID string, sessionID int64) ([]ChatLog, error) {
	filter := bson.M{
		"user_id":      accountID,
		"chat_room_id": sessionID,
	}

	cursor, err := s.collection.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("mongodb", err)
	}
	defer cursor.Close(ctx)

	var logs []ChatLog
	if err := cursor.All(ctx, &logs); err != nil {
		return nil, apperrors.NewStoreUnavailable("mongodb", err)
	}

	return logs, nil
}

// SoftDeleteFragment flags one answer fragment as deleted without removing it
func (s *Store) SoftDeleteFragment(ctx context.Context, accountID, fragmentID string) error {
	filter := bson.M{
		"user_id":                      accountID,
		"answer_sentences.sentence_id": fragmentID,
	}
	update := bson.M{
		"$set": bson.M{"answer_sentences.$.is_deleted": true},
	}

	result, err := s.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return apperrors.NewStoreUnavailable("mongodb", err)
	}
	if result.MatchedCount == 0 {
		return apperrors.NewFragmentNotFound(fragmentID)
	}

	return nil
}
