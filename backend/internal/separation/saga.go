// Package separation implements the cross-store saga that splits a topic
// subtree out of its conversation into a new, independent session. The three
// stores share no transaction; safety comes from strictly ordered steps that
// are each idempotent and each durably recorded before the next one runs.
package separation

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mindflow/backend/internal/adapter"
	"mindflow/backend/internal/conversation"
	"mindflow/backend/internal/graph"
	"mindflow/backend/internal/session"
	apperrors "mindflow/backend/pkg/errors"
	"mindflow/backend/pkg/logger"
)

// copyConcurrency bounds the fragment-copy fan-out within step 5
const copyConcurrency = 4

// GraphStore is the slice of the graph repository the saga consumes
type GraphStore interface {
	GetSubtree(ctx context.Context, accountID, nodeID string) (*graph.SubtreeSnapshot, error)
	DetachFromParent(ctx context.Context, accountID, nodeID string) (bool, error)
	UpdateSessionID(ctx context.Context, accountID string, nodeIDs []string, sessionID string) error
}

// ConversationStore is the slice of the chat log store the saga consumes
type ConversationStore interface {
	FindByFragmentID(ctx context.Context, accountID, fragmentID string) (*conversation.ChatLog, error)
	ExistsInSession(ctx context.Context, accountID string, sessionID int64, fragmentID string) (bool, error)
	CopyToSession(ctx context.Context, original *conversation.ChatLog, newSessionID int64) (*conversation.ChatLog, error)
}

// SessionStore creates the new chat room the subtree moves into
type SessionStore interface {
	CreateChatRoom(ctx context.Context, title, accountID string) (*session.ChatRoom, error)
}

// AuditStore is the durable ledger of separation attempts
type AuditStore interface {
	FindSeparationBySourceNode(ctx context.Context, nodeID string) (*session.SeparationRecord, error)
	ClaimSeparation(ctx context.Context, accountID, nodeID, originalSessionID string) (*session.SeparationRecord, bool, error)
	RecordStep(ctx context.Context, recordID int64, step int) error
	RecordNewSession(ctx context.Context, recordID, newSessionID int64) (int64, error)
	AppendSkippedFragment(ctx context.Context, recordID int64, fragmentID string) error
	CompleteSeparation(ctx context.Context, recordID int64) error
	FailSeparation(ctx context.Context, recordID int64) error
}

// Saga orchestrates topic separation across the graph, document and
// relational stores
type Saga struct {
	graph         GraphStore
	conversations ConversationStore
	sessions      SessionStore
	audit         AuditStore
	titler        adapter.TitleGenerator
	stepTimeout   time.Duration
	logger        *zap.Logger
}

// NewSaga creates a separation saga
func NewSaga(
	graphStore GraphStore,
	conversations ConversationStore,
	sessions SessionStore,
	audit AuditStore,
	titler adapter.TitleGenerator,
	stepTimeout time.Duration,
) *Saga {
	if titler == nil {
		titler = adapter.PrefixTitler{}
	}
	if stepTimeout <= 0 {
		stepTimeout = 10 * time.Second
	}
	return &Saga{
		graph:         graphStore,
		conversations: conversations,
		sessions:      sessions,
		audit:         audit,
		titler:        titler,
		stepTimeout:   stepTimeout,
		logger:        logger.Get(),
	}
}

// Separate splits the subtree rooted at nodeID into a new session and returns
// the new session id.
//
// When a completed separation already exists for the node, the previously
// created session id comes back together with *apperrors.ErrAlreadySeparated;
// callers treat that as the prior result, not a failure. A pending record
// from an earlier incomplete attempt is resumed from its last committed step,
// never restarted.
func (s *Saga) Separate(ctx context.Context, accountID, nodeID string) (int64, error) {
	// Step 1: snapshot the subtree, root inclusive
	var snapshot *graph.SubtreeSnapshot
	err := s.runStep(ctx, "snapshot", func(ctx context.Context) error {
		var err error
		snapshot, err = s.graph.GetSubtree(ctx, accountID, nodeID)
		return err
	})
	if err != nil {
		return 0, err
	}

	// Step 2: idempotency check against the ledger
	record, err := s.claim(ctx, accountID, nodeID, snapshot)
	if err != nil {
		return 0, err
	}
	if record.Status == session.StatusCompleted {
		s.logger.Info("Separation already completed, returning prior session",
			zap.String("node_id", nodeID),
			zap.Int64("session_id", record.NewSessionID),
		)
		return record.NewSessionID, apperrors.NewAlreadySeparated(nodeID, record.NewSessionID)
	}

	resumed := record.LastCompletedStep > session.StepNone
	if resumed {
		s.logger.Info("Resuming incomplete separation",
			zap.String("node_id", nodeID),
			zap.Int("last_completed_step", record.LastCompletedStep),
		)
	}

	newSessionID, err := s.run(ctx, accountID, snapshot, record)
	if err != nil {
		if failErr := s.audit.FailSeparation(ctx, record.ID); failErr != nil {
			s.logger.Error("Failed to mark separation record failed", zap.Error(failErr))
		}
		return 0, apperrors.NewPartialFailure(nodeID, record.LastCompletedStep, err)
	}

	s.logger.Info("Topic separated into new session",
		zap.String("account_id", accountID),
		zap.String("node_id", nodeID),
		zap.Int64("new_session_id", newSessionID),
		zap.Int("subtree_size", len(snapshot.Nodes)),
		zap.Bool("resumed", resumed),
	)
	return newSessionID, nil
}

// claim resolves the separation record for this attempt: the existing one
// when an attempt already ran, otherwise a freshly inserted pending record.
// The unique index on the source node id serializes concurrent callers; the
// loser of the insert race adopts the winner's record.
func (s *Saga) claim(ctx context.Context, accountID, nodeID string, snapshot *graph.SubtreeSnapshot) (*session.SeparationRecord, error) {
	var existing *session.SeparationRecord
	err := s.runStep(ctx, "find record", func(ctx context.Context) error {
		var err error
		existing, err = s.audit.FindSeparationBySourceNode(ctx, nodeID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if existing != nil {
		// Records are claimed per node; the node itself is tenant-scoped
		if existing.AccountID != accountID {
			return nil, apperrors.NewTopicNotFound(nodeID)
		}
		return existing, nil
	}

	// The topology guard only applies to fresh attempts. A resumed attempt
	// has already detached the parent edge and would always look like a root.
	if !snapshot.HasParent {
		return nil, apperrors.NewInvalidTopology(nodeID, "node has no parent edge")
	}

	var record *session.SeparationRecord
	err = s.runStep(ctx, "claim record", func(ctx context.Context) error {
		var err error
		record, _, err = s.audit.ClaimSeparation(ctx, accountID, nodeID, snapshot.Root.SessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// run executes the mutation steps from wherever the record left off
func (s *Saga) run(ctx context.Context, accountID string, snapshot *graph.SubtreeSnapshot, record *session.SeparationRecord) (int64, error) {
	nodeID := snapshot.Root.ID

	// Step 3: detach the subtree root from its parent. Deleting an edge that
	// is already gone is a no-op, so a resume may safely pass through here.
	if record.LastCompletedStep < session.StepDetached {
		err := s.runStep(ctx, "detach", func(ctx context.Context) error {
			_, err := s.graph.DetachFromParent(ctx, accountID, nodeID)
			return err
		})
		if err != nil {
			return 0, err
		}
		if err := s.recordStep(ctx, record, session.StepDetached); err != nil {
			return 0, err
		}
	}

	// Step 4: create the new session. The id is recorded before moving on so
	// a resumed attempt reuses it instead of orphaning this one. The record
	// write is conditional; when a concurrent attempt recorded a session
	// first, everyone converges on that id.
	if record.LastCompletedStep < session.StepSessionCreated {
		title := s.titler.Title(ctx, snapshot.Root.Content)
		var room *session.ChatRoom
		err := s.runStep(ctx, "create session", func(ctx context.Context) error {
			var err error
			room, err = s.sessions.CreateChatRoom(ctx, title, accountID)
			return err
		})
		if err != nil {
			return 0, err
		}
		var recordedID int64
		err = s.runStep(ctx, "record session", func(ctx context.Context) error {
			var err error
			recordedID, err = s.audit.RecordNewSession(ctx, record.ID, room.ID)
			return err
		})
		if err != nil {
			return 0, err
		}
		record.NewSessionID = recordedID
		record.LastCompletedStep = session.StepSessionCreated
	}
	newSessionID := record.NewSessionID

	// Step 5: copy referenced conversation turns into the new session
	if record.LastCompletedStep < session.StepFragmentsCopied {
		if err := s.copyFragments(ctx, accountID, snapshot, record, newSessionID); err != nil {
			return 0, err
		}
		if err := s.recordStep(ctx, record, session.StepFragmentsCopied); err != nil {
			return 0, err
		}
	}

	// Step 6: re-scope every node in the subtree. Last among mutations
	// because it is the one most exposed to concurrent readers, and setting
	// the same value twice is a no-op.
	if record.LastCompletedStep < session.StepRescoped {
		nodeIDs := make([]string, 0, len(snapshot.Nodes))
		for _, node := range snapshot.Nodes {
			nodeIDs = append(nodeIDs, node.ID)
		}
		sessionRef := strconv.FormatInt(newSessionID, 10)
		err := s.runStep(ctx, "rescope", func(ctx context.Context) error {
			return s.graph.UpdateSessionID(ctx, accountID, nodeIDs, sessionRef)
		})
		if err != nil {
			return 0, err
		}
	}

	// Step 7: finalize
	err := s.runStep(ctx, "finalize", func(ctx context.Context) error {
		return s.audit.CompleteSeparation(ctx, record.ID)
	})
	if err != nil {
		return 0, err
	}

	return newSessionID, nil
}

// copyFragments copies every referenced turn into the new session with a
// bounded fan-out. A fragment that no longer resolves is recorded as skipped
// and does not abort the saga; losing one turn's history is a data-quality
// problem, not grounds to fail the structural move.
func (s *Saga) copyFragments(ctx context.Context, accountID string, snapshot *graph.SubtreeSnapshot, record *session.SeparationRecord, newSessionID int64) error {
	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(copyConcurrency)

	for _, node := range snapshot.Nodes {
		node := node
		fragmentID := node.FragmentRef
		if fragmentID == "" {
			continue
		}

		g.Go(func() error {
			return s.runStep(groupCtx, "copy fragment", func(ctx context.Context) error {
				exists, err := s.conversations.ExistsInSession(ctx, accountID, newSessionID, fragmentID)
				if err != nil {
					return err
				}
				if exists {
					// Already copied by an earlier attempt
					return nil
				}

				original, err := s.conversations.FindByFragmentID(ctx, accountID, fragmentID)
				if err != nil {
					if apperrors.IsNotFound(err) {
						s.logger.Warn("Fragment missing during separation copy, skipping",
							zap.String("fragment_id", fragmentID),
							zap.String("node_id", node.ID),
						)
						return s.audit.AppendSkippedFragment(ctx, record.ID, fragmentID)
					}
					return err
				}

				_, err = s.conversations.CopyToSession(ctx, original, newSessionID)
				return err
			})
		})
	}

	return g.Wait()
}

func (s *Saga) recordStep(ctx context.Context, record *session.SeparationRecord, step int) error {
	err := s.runStep(ctx, "record step", func(ctx context.Context) error {
		return s.audit.RecordStep(ctx, record.ID, step)
	})
	if err != nil {
		return err
	}
	record.LastCompletedStep = step
	return nil
}
