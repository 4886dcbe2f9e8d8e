package separation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"mindflow/backend/internal/conversation"
	"mindflow/backend/internal/graph"
	"mindflow/backend/internal/session"
	apperrors "mindflow/backend/pkg/errors"
)

// Mock implementations for testing

type mockGraph struct {
	mu         sync.Mutex
	snapshot   *graph.SubtreeSnapshot
	subtreeErr error
	rescopeErr error
	detachErr  error

	detachCalls int
	rescoped    map[string]string // node id -> session id
}

func (m *mockGraph) GetSubtree(ctx context.Context, accountID, nodeID string) (*graph.SubtreeSnapshot, error) {
	if m.subtreeErr != nil {
		return nil, m.subtreeErr
	}
	if m.snapshot == nil || m.snapshot.Root.ID != nodeID {
		return nil, apperrors.NewTopicNotFound(nodeID)
	}
	return m.snapshot, nil
}

func (m *mockGraph) DetachFromParent(ctx context.Context, accountID, nodeID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.detachErr != nil {
		return false, m.detachErr
	}
	m.detachCalls++
	had := m.snapshot.HasParent
	m.snapshot.HasParent = false
	return had, nil
}

func (m *mockGraph) UpdateSessionID(ctx context.Context, accountID string, nodeIDs []string, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rescopeErr != nil {
		return m.rescopeErr
	}
	if m.rescoped == nil {
		m.rescoped = make(map[string]string)
	}
	for _, id := range nodeIDs {
		m.rescoped[id] = sessionID
	}
	return nil
}

type mockConversations struct {
	mu     sync.Mutex
	turns  map[string]*conversation.ChatLog // fragment id -> turn
	copies []*conversation.ChatLog
}

func (m *mockConversations) FindByFragmentID(ctx context.Context, accountID, fragmentID string) (*conversation.ChatLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if turn, ok := m.turns[fragmentID]; ok {
		return turn, nil
	}
	return nil, apperrors.NewFragmentNotFound(fragmentID)
}

func (m *mockConversations) ExistsInSession(ctx context.Context, accountID string, sessionID int64, fragmentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.copies {
		if c.SessionID != sessionID {
			continue
		}
		for _, sentence := range c.AnswerSentences {
			if sentence.SentenceID == fragmentID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (m *mockConversations) CopyToSession(ctx context.Context, original *conversation.ChatLog, newSessionID int64) (*conversation.ChatLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	duplicate := *original
	duplicate.ID = bson.NewObjectID()
	duplicate.SessionID = newSessionID
	m.copies = append(m.copies, &duplicate)
	return &duplicate, nil
}

type mockSessions struct {
	mu     sync.Mutex
	nextID int64
	rooms  []*session.ChatRoom
	err    error
}

func (m *mockSessions) CreateChatRoom(ctx context.Context, title, accountID string) (*session.ChatRoom, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.nextID++
	room := &session.ChatRoom{
		ID:        m.nextID,
		Title:     title,
		AccountID: accountID,
		CreatedAt: time.Now(),
	}
	m.rooms = append(m.rooms, room)
	return room, nil
}

type mockAudit struct {
	mu      sync.Mutex
	nextID  int64
	records map[string]*session.SeparationRecord
}

func newMockAudit() *mockAudit {
	return &mockAudit{records: make(map[string]*session.SeparationRecord)}
}

func (m *mockAudit) FindSeparationBySourceNode(ctx context.Context, nodeID string) (*session.SeparationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record, ok := m.records[nodeID]; ok {
		clone := *record
		return &clone, nil
	}
	return nil, nil
}

func (m *mockAudit) ClaimSeparation(ctx context.Context, accountID, nodeID, originalSessionID string) (*session.SeparationRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record, ok := m.records[nodeID]; ok {
		clone := *record
		return &clone, false, nil
	}
	m.nextID++
	record := &session.SeparationRecord{
		ID:                m.nextID,
		SourceNodeID:      nodeID,
		AccountID:         accountID,
		OriginalSessionID: originalSessionID,
		Status:            session.StatusPending,
	}
	m.records[nodeID] = record
	clone := *record
	return &clone, true, nil
}

func (m *mockAudit) byID(recordID int64) *session.SeparationRecord {
	for _, record := range m.records {
		if record.ID == recordID {
			return record
		}
	}
	return nil
}

func (m *mockAudit) RecordStep(ctx context.Context, recordID int64, step int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record := m.byID(recordID); record != nil {
		record.LastCompletedStep = step
	}
	return nil
}

func (m *mockAudit) RecordNewSession(ctx context.Context, recordID, newSessionID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record := m.byID(recordID)
	if record == nil {
		return 0, errors.New("record not found")
	}
	// First writer wins, mirroring the conditional update in the real store
	if record.NewSessionID != 0 {
		return record.NewSessionID, nil
	}
	record.NewSessionID = newSessionID
	record.LastCompletedStep = session.StepSessionCreated
	return newSessionID, nil
}

func (m *mockAudit) AppendSkippedFragment(ctx context.Context, recordID int64, fragmentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record := m.byID(recordID); record != nil {
		if record.SkippedFragments == "" {
			record.SkippedFragments = fragmentID
		} else if !strings.Contains(record.SkippedFragments, fragmentID) {
			record.SkippedFragments += "," + fragmentID
		}
	}
	return nil
}

func (m *mockAudit) CompleteSeparation(ctx context.Context, recordID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record := m.byID(recordID); record != nil {
		record.Status = session.StatusCompleted
		record.LastCompletedStep = session.StepRescoped
	}
	return nil
}

func (m *mockAudit) FailSeparation(ctx context.Context, recordID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record := m.byID(recordID); record != nil {
		record.Status = session.StatusFailed
	}
	return nil
}

// Fixtures

const testAccountID = "42"

func testSnapshot() *graph.SubtreeSnapshot {
	nodes := []graph.TopicNode{
		{ID: "T1", Title: "Root topic", Content: "How garbage collection works", FragmentRef: "f1", AccountID: testAccountID, SessionID: "100"},
		{ID: "T2", Title: "Child topic", Content: "Mark and sweep", FragmentRef: "f2", AccountID: testAccountID, SessionID: "100"},
		{ID: "T3", Title: "Leaf topic", Content: "No fragment here", AccountID: testAccountID, SessionID: "100"},
	}
	return &graph.SubtreeSnapshot{
		Root:      nodes[0],
		Nodes:     nodes,
		HasParent: true,
	}
}

func testTurn(fragmentID, question string) *conversation.ChatLog {
	return &conversation.ChatLog{
		ID:        bson.NewObjectID(),
		SessionID: 100,
		AccountID: testAccountID,
		Question:  question,
		AnswerSentences: []conversation.AnswerSentence{
			{SentenceID: fragmentID, Content: "answer for " + fragmentID},
		},
		CreatedAt: time.Now(),
	}
}

func newTestSaga(g *mockGraph, c *mockConversations, s *mockSessions, a *mockAudit) *Saga {
	return NewSaga(g, c, s, a, nil, time.Second)
}

// Tests

func TestSaga_Separate_MovesSubtreeIntoNewSession(t *testing.T) {
	ctx := context.Background()
	g := &mockGraph{snapshot: testSnapshot()}
	c := &mockConversations{turns: map[string]*conversation.ChatLog{
		"f1": testTurn("f1", "what is gc?"),
		"f2": testTurn("f2", "what is mark and sweep?"),
	}}
	s := &mockSessions{}
	a := newMockAudit()

	newSessionID, err := newTestSaga(g, c, s, a).Separate(ctx, testAccountID, "T1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), newSessionID)

	// Every node in the subtree moved to the new session
	require.Len(t, g.rescoped, 3)
	for _, id := range []string{"T1", "T2", "T3"} {
		assert.Equal(t, "1", g.rescoped[id], "node %s should be re-scoped", id)
	}

	// Both referenced turns were copied; T3 has no fragment and contributes none
	require.Len(t, c.copies, 2)
	for _, copied := range c.copies {
		assert.Equal(t, int64(1), copied.SessionID)
	}

	// Originals untouched
	assert.Equal(t, int64(100), c.turns["f1"].SessionID)
	assert.Equal(t, int64(100), c.turns["f2"].SessionID)

	record := a.records["T1"]
	require.NotNil(t, record)
	assert.Equal(t, session.StatusCompleted, record.Status)
	assert.Equal(t, int64(1), record.NewSessionID)
	assert.Equal(t, "100", record.OriginalSessionID)
	assert.Empty(t, record.SkippedFragments)

	// Title derived from the root content
	require.Len(t, s.rooms, 1)
	assert.Equal(t, "How garbage collection works", s.rooms[0].Title)
}

func TestSaga_Separate_Idempotent(t *testing.T) {
	ctx := context.Background()
	g := &mockGraph{snapshot: testSnapshot()}
	c := &mockConversations{turns: map[string]*conversation.ChatLog{
		"f1": testTurn("f1", "q1"),
		"f2": testTurn("f2", "q2"),
	}}
	s := &mockSessions{}
	a := newMockAudit()
	saga := newTestSaga(g, c, s, a)

	first, err := saga.Separate(ctx, testAccountID, "T1")
	require.NoError(t, err)

	second, err := saga.Separate(ctx, testAccountID, "T1")
	var already *apperrors.ErrAlreadySeparated
	require.ErrorAs(t, err, &already)
	assert.Equal(t, first, second)
	assert.Equal(t, first, already.NewSessionID)

	// No duplicate session, no duplicate copies
	assert.Len(t, s.rooms, 1)
	assert.Len(t, c.copies, 2)
}

func TestSaga_Separate_RootWithoutParent(t *testing.T) {
	ctx := context.Background()
	snapshot := testSnapshot()
	snapshot.HasParent = false
	g := &mockGraph{snapshot: snapshot}
	s := &mockSessions{}
	a := newMockAudit()

	_, err := newTestSaga(g, &mockConversations{}, s, a).Separate(ctx, testAccountID, "T1")
	var topology *apperrors.ErrInvalidTopology
	require.ErrorAs(t, err, &topology)
	assert.Equal(t, "T1", topology.NodeID)

	// Nothing committed
	assert.Empty(t, a.records)
	assert.Empty(t, s.rooms)
	assert.Zero(t, g.detachCalls)
}

func TestSaga_Separate_NodeNotFound(t *testing.T) {
	ctx := context.Background()
	g := &mockGraph{}

	_, err := newTestSaga(g, &mockConversations{}, &mockSessions{}, newMockAudit()).Separate(ctx, testAccountID, "missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestSaga_Separate_MissingFragmentIsSkipped(t *testing.T) {
	ctx := context.Background()
	g := &mockGraph{snapshot: testSnapshot()}
	// f1 is referenced by T1 but absent from the store
	c := &mockConversations{turns: map[string]*conversation.ChatLog{
		"f2": testTurn("f2", "q2"),
	}}
	s := &mockSessions{}
	a := newMockAudit()

	newSessionID, err := newTestSaga(g, c, s, a).Separate(ctx, testAccountID, "T1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), newSessionID)

	require.Len(t, c.copies, 1)
	assert.Equal(t, "q2", c.copies[0].Question)

	record := a.records["T1"]
	require.NotNil(t, record)
	assert.Equal(t, session.StatusCompleted, record.Status)
	assert.Equal(t, "f1", record.SkippedFragments)
}

func TestSaga_Separate_ResumesPendingAttempt(t *testing.T) {
	ctx := context.Background()
	g := &mockGraph{snapshot: testSnapshot()}
	// A prior attempt already detached and created session 7, then crashed
	g.snapshot.HasParent = false
	c := &mockConversations{turns: map[string]*conversation.ChatLog{
		"f1": testTurn("f1", "q1"),
		"f2": testTurn("f2", "q2"),
	}}
	s := &mockSessions{nextID: 7}
	a := newMockAudit()
	a.nextID = 1
	a.records["T1"] = &session.SeparationRecord{
		ID:                1,
		SourceNodeID:      "T1",
		AccountID:         testAccountID,
		OriginalSessionID: "100",
		NewSessionID:      7,
		Status:            session.StatusPending,
		LastCompletedStep: session.StepSessionCreated,
	}

	newSessionID, err := newTestSaga(g, c, s, a).Separate(ctx, testAccountID, "T1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), newSessionID)

	// The recorded session is reused, never re-created
	assert.Empty(t, s.rooms)
	assert.Zero(t, g.detachCalls)
	assert.Len(t, c.copies, 2)
	assert.Equal(t, "7", g.rescoped["T1"])
	assert.Equal(t, session.StatusCompleted, a.records["T1"].Status)
}

func TestSaga_Separate_ResumeDoesNotDuplicateCopies(t *testing.T) {
	ctx := context.Background()
	g := &mockGraph{snapshot: testSnapshot()}
	g.snapshot.HasParent = false
	turnF1 := testTurn("f1", "q1")
	c := &mockConversations{turns: map[string]*conversation.ChatLog{
		"f1": turnF1,
		"f2": testTurn("f2", "q2"),
	}}
	// f1 was already copied before the crash
	alreadyCopied := *turnF1
	alreadyCopied.SessionID = 7
	c.copies = append(c.copies, &alreadyCopied)

	s := &mockSessions{nextID: 7}
	a := newMockAudit()
	a.nextID = 1
	a.records["T1"] = &session.SeparationRecord{
		ID:                1,
		SourceNodeID:      "T1",
		AccountID:         testAccountID,
		OriginalSessionID: "100",
		NewSessionID:      7,
		Status:            session.StatusPending,
		LastCompletedStep: session.StepSessionCreated,
	}

	_, err := newTestSaga(g, c, s, a).Separate(ctx, testAccountID, "T1")
	require.NoError(t, err)

	// Only f2 gained a copy
	assert.Len(t, c.copies, 2)
}

func TestSaga_Separate_RescopeFailureIsPartial(t *testing.T) {
	ctx := context.Background()
	g := &mockGraph{
		snapshot:   testSnapshot(),
		rescopeErr: errors.New("bolt connection reset"),
	}
	c := &mockConversations{turns: map[string]*conversation.ChatLog{
		"f1": testTurn("f1", "q1"),
		"f2": testTurn("f2", "q2"),
	}}
	s := &mockSessions{}
	a := newMockAudit()
	saga := newTestSaga(g, c, s, a)

	_, err := saga.Separate(ctx, testAccountID, "T1")
	var partial *apperrors.ErrPartialFailure
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, session.StepFragmentsCopied, partial.LastCompletedStep)
	assert.Equal(t, session.StatusFailed, a.records["T1"].Status)

	// A retry resumes past the committed steps and finishes
	g.rescopeErr = nil
	newSessionID, err := saga.Separate(ctx, testAccountID, "T1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), newSessionID)
	assert.Len(t, s.rooms, 1)
	assert.Len(t, c.copies, 2)
	assert.Equal(t, session.StatusCompleted, a.records["T1"].Status)
}

func TestSaga_Separate_TenancyGuard(t *testing.T) {
	ctx := context.Background()
	g := &mockGraph{snapshot: testSnapshot()}
	a := newMockAudit()
	a.records["T1"] = &session.SeparationRecord{
		ID:           1,
		SourceNodeID: "T1",
		AccountID:    "other-account",
		Status:       session.StatusCompleted,
		NewSessionID: 9,
	}

	_, err := newTestSaga(g, &mockConversations{}, &mockSessions{}, a).Separate(ctx, testAccountID, "T1")
	assert.True(t, apperrors.IsNotFound(err), "expected not-found, got %v", err)
}

func TestSaga_Separate_ConcurrentAttemptConvergesOnRecordedSession(t *testing.T) {
	ctx := context.Background()
	g := &mockGraph{snapshot: testSnapshot()}
	g.snapshot.HasParent = false
	c := &mockConversations{turns: map[string]*conversation.ChatLog{
		"f1": testTurn("f1", "q1"),
		"f2": testTurn("f2", "q2"),
	}}
	s := &mockSessions{nextID: 20}
	a := newMockAudit()
	a.nextID = 1
	// A concurrent winner already recorded session 7 but its step marker has
	// not landed yet; this caller loses the conditional write
	a.records["T1"] = &session.SeparationRecord{
		ID:                1,
		SourceNodeID:      "T1",
		AccountID:         testAccountID,
		OriginalSessionID: "100",
		NewSessionID:      7,
		Status:            session.StatusPending,
		LastCompletedStep: session.StepDetached,
	}

	newSessionID, err := newTestSaga(g, c, s, a).Separate(ctx, testAccountID, "T1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), newSessionID, "loser must adopt the recorded session")

	// The loser's freshly created room is abandoned, not recorded or re-scoped to
	require.Len(t, s.rooms, 1)
	assert.NotEqual(t, "21", g.rescoped["T1"])
	assert.Equal(t, "7", g.rescoped["T1"])
	assert.Equal(t, int64(7), a.records["T1"].NewSessionID)
}
