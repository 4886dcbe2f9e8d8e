package graph

import "time"

// Relationship types between topics. Only HAS_SUBTOPIC is hierarchical; it
// defines the tree walked by separation and cascading delete. The other two
// are cross-links and are never traversed structurally.
const (
	EdgeHasSubtopic = "HAS_SUBTOPIC"
	EdgeRelatedTo   = "RELATED_TO"
	EdgeComparedTo  = "COMPARED_TO"
)

// maxSubtreeDepth bounds HAS_SUBTOPIC traversals. The generator never builds
// trees anywhere near this deep; the bound guards against bad data.
const maxSubtreeDepth = 25

// TopicNode is one topic in the mind map, scoped to an account and session
type TopicNode struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	FragmentRef string    `json:"fragmentRef,omitempty"` // answer sentence id in the chat log, empty when none
	AccountID   string    `json:"accountId"`
	SessionID   string    `json:"sessionId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// TopicEdge is a directed, typed relationship between two topics
type TopicEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type"`
}

// MindmapRow is one row of the aggregation traversal: a node plus at most one
// outgoing edge whose endpoints are both in scope. Edge is nil for leaf rows.
type MindmapRow struct {
	Node TopicNode
	Edge *TopicEdge
}

// SubtreeSnapshot is the result of reading a topic and all of its descendants
// along HAS_SUBTOPIC edges. Nodes always includes the root.
type SubtreeSnapshot struct {
	Root      TopicNode
	Nodes     []TopicNode
	HasParent bool
}

// IsValidEdgeType reports whether t is one of the known relationship types
func IsValidEdgeType(t string) bool {
	switch t {
	case EdgeHasSubtopic, EdgeRelatedTo, EdgeComparedTo:
		return true
	}
	return false
}
