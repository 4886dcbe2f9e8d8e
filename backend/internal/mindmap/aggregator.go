package mindmap

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"mindflow/backend/internal/graph"
	"mindflow/backend/pkg/logger"
)

// TraversalSource is the slice of the graph repository the aggregator consumes
type TraversalSource interface {
	MindmapRows(ctx context.Context, accountID, sessionID string) ([]graph.MindmapRow, error)
}

// Mindmap is the presentation-ready node/edge view of one session's topics.
// Every node id appears at most once and every edge endpoint resolves to a
// node in Nodes.
type Mindmap struct {
	AccountID string            `json:"accountId"`
	SessionID string            `json:"sessionId,omitempty"`
	Nodes     []graph.TopicNode `json:"nodes"`
	Edges     []graph.TopicEdge `json:"edges"`
}

// AccountMindmaps groups an account's topics per session
type AccountMindmaps struct {
	AccountID  string    `json:"accountId"`
	Mindmaps   []Mindmap `json:"mindmaps"`
	TotalCount int       `json:"totalCount"`
}

// Aggregator reconstructs deduplicated mindmap views from raw traversal rows
type Aggregator struct {
	source TraversalSource
	logger *zap.Logger
}

// NewAggregator creates a new mindmap aggregator
func NewAggregator(source TraversalSource) *Aggregator {
	return &Aggregator{
		source: source,
		logger: logger.Get(),
	}
}

// Aggregate builds the mindmap for one account and session. A session with no
// topics yields an empty mindmap, not an error; that is the ordinary "no
// topics yet" state. Read-only and safe to call concurrently.
func (a *Aggregator) Aggregate(ctx context.Context, accountID, sessionID string) (*Mindmap, error) {
	rows, err := a.source.MindmapRows(ctx, accountID, sessionID)
	if err != nil {
		return nil, err
	}

	m := collect(accountID, sessionID, rows)
	a.logger.Debug("Aggregated mindmap",
		zap.String("account_id", accountID),
		zap.String("session_id", sessionID),
		zap.Int("nodes", len(m.Nodes)),
		zap.Int("edges", len(m.Edges)),
	)
	return m, nil
}

// AggregateAll builds one mindmap per session the account has topics in,
// from a single traversal
func (a *Aggregator) AggregateAll(ctx context.Context, accountID string) (*AccountMindmaps, error) {
	rows, err := a.source.MindmapRows(ctx, accountID, "")
	if err != nil {
		return nil, err
	}

	bySession := make(map[string][]graph.MindmapRow)
	for _, row := range rows {
		bySession[row.Node.SessionID] = append(bySession[row.Node.SessionID], row)
	}

	sessionIDs := make([]string, 0, len(bySession))
	for id := range bySession {
		sessionIDs = append(sessionIDs, id)
	}
	sort.Strings(sessionIDs)

	out := &AccountMindmaps{
		AccountID: accountID,
		Mindmaps:  make([]Mindmap, 0, len(sessionIDs)),
	}
	for _, id := range sessionIDs {
		out.Mindmaps = append(out.Mindmaps, *collect(accountID, id, bySession[id]))
	}
	out.TotalCount = len(out.Mindmaps)
	return out, nil
}

// collect deduplicates nodes by id and keeps only edges whose endpoints both
// resolved. A node shows up once per outgoing edge in the traversal, and leaf
// rows carry a nil edge; neither may leak into the result.
func collect(accountID, sessionID string, rows []graph.MindmapRow) *Mindmap {
	m := &Mindmap{
		AccountID: accountID,
		SessionID: sessionID,
		Nodes:     make([]graph.TopicNode, 0, len(rows)),
		Edges:     make([]graph.TopicEdge, 0, len(rows)),
	}

	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		if row.Node.ID == "" || seen[row.Node.ID] {
			continue
		}
		seen[row.Node.ID] = true
		m.Nodes = append(m.Nodes, row.Node)
	}

	seenEdges := make(map[graph.TopicEdge]bool, len(rows))
	for _, row := range rows {
		if row.Edge == nil {
			continue
		}
		edge := *row.Edge
		// Both endpoints were matched in scope by the traversal, but a
		// cross-session edge surfaced through the all-sessions path may
		// point outside this group
		if !seen[edge.Source] || !seen[edge.Target] {
			continue
		}
		if seenEdges[edge] {
			continue
		}
		seenEdges[edge] = true
		m.Edges = append(m.Edges, edge)
	}

	return m
}
