package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	apperrors "mindflow/backend/pkg/errors"
	"mindflow/backend/pkg/logger"
)

// Repository handles all Neo4j topic graph operations. Every operation takes
// the caller's account id and scopes its query with it; nothing here can read
// or write another tenant's nodes.
type Repository struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *zap.Logger
}

// NewRepository creates a new graph repository
func NewRepository(driver neo4j.DriverWithContext, database string) *Repository {
	return &Repository{
		driver:   driver,
		database: database,
		logger:   logger.Get(),
	}
}

// Close closes the Neo4j driver connection
func (r *Repository) Close() error {
	return r.driver.Close(context.Background())
}

func (r *Repository) readSession(ctx context.Context) neo4j.SessionWithContext {
	return r.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: r.database,
	})
}

func (r *Repository) writeSession(ctx context.Context) neo4j.SessionWithContext {
	return r.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: r.database,
	})
}

// GetNode reads a single topic by element id. The second return value reports
// whether an incoming HAS_SUBTOPIC edge exists.
func (r *Repository) GetNode(ctx context.Context, accountID, nodeID string) (*TopicNode, bool, error) {
	session := r.readSession(ctx)
	defer session.Close(ctx)

	query := `
		MATCH (t:Topic)
		WHERE elementId(t) = $nodeID AND t.account_id = $accountID
		OPTIONAL MATCH (parent:Topic)-[:HAS_SUBTOPIC]->(t)
		RETURN t {
			id: elementId(t),
			title: t.title,
			content: t.content,
			mongo_ref: t.mongo_ref,
			account_id: t.account_id,
			chat_room_id: t.chat_room_id,
			created_at: t.created_at
		} as node, count(parent) > 0 as has_parent
	`

	result, err := session.Run(ctx, query, map[string]interface{}{
		"nodeID":    nodeID,
		"accountID": accountID,
	})
	if err != nil {
		return nil, false, apperrors.NewStoreUnavailable("neo4j", err)
	}

	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return nil, false, apperrors.NewStoreUnavailable("neo4j", err)
		}
		return nil, false, apperrors.NewTopicNotFound(nodeID)
	}

	record := result.Record()
	nodeVal, _ := record.Get("node")
	nodeMap, ok := nodeVal.(map[string]interface{})
	if !ok {
		return nil, false, fmt.Errorf("unexpected node shape for %s", nodeID)
	}

	node := nodeFromMap(nodeMap)
	hasParent := getBoolFromRecord(record, "has_parent")
	return &node, hasParent, nil
}

// GetSubtree reads a topic and every descendant reachable along HAS_SUBTOPIC
// edges, root inclusive. The edge type is tree-shaped by construction, so the
// traversal assumes no cycles but still bounds its depth.
func (r *Repository) GetSubtree(ctx context.Context, accountID, nodeID string) (*SubtreeSnapshot, error) {
	session := r.readSession(ctx)
	defer session.Close(ctx)

	query := fmt.Sprintf(`
		MATCH (root:Topic)
		WHERE elementId(root) = $nodeID AND root.account_id = $accountID
		OPTIONAL MATCH (parent:Topic)-[:HAS_SUBTOPIC]->(root)
		WITH root, count(parent) > 0 as has_parent
		MATCH (root)-[:HAS_SUBTOPIC*0..%d]->(d:Topic)
		RETURN has_parent, collect(DISTINCT d {
			id: elementId(d),
			title: d.title,
			content: d.content,
			mongo_ref: d.mongo_ref,
			account_id: d.account_id,
			chat_room_id: d.chat_room_id,
			created_at: d.created_at
		}) as nodes
	`, maxSubtreeDepth)

	result, err := session.Run(ctx, query, map[string]interface{}{
		"nodeID":    nodeID,
		"accountID": accountID,
	})
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("neo4j", err)
	}

	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return nil, apperrors.NewStoreUnavailable("neo4j", err)
		}
		return nil, apperrors.NewTopicNotFound(nodeID)
	}

	record := result.Record()
	snapshot := &SubtreeSnapshot{
		HasParent: getBoolFromRecord(record, "has_parent"),
	}

	nodesVal, _ := record.Get("nodes")
	nodesList, ok := nodesVal.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected subtree shape for %s", nodeID)
	}

	for _, raw := range nodesList {
		nodeMap, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		node := nodeFromMap(nodeMap)
		snapshot.Nodes = append(snapshot.Nodes, node)
		if node.ID == nodeID {
			snapshot.Root = node
		}
	}

	if snapshot.Root.ID == "" {
		return nil, apperrors.NewTopicNotFound(nodeID)
	}

	return snapshot, nil
}

// DetachFromParent removes the single incoming HAS_SUBTOPIC edge above the
// node. Removing an edge that is already gone is a no-op, which keeps the
// separation saga's detach step safe to re-run.
func (r *Repository) DetachFromParent(ctx context.Context, accountID, nodeID string) (bool, error) {
	session := r.writeSession(ctx)
	defer session.Close(ctx)

	query := `
		MATCH (t:Topic)
		WHERE elementId(t) = $nodeID AND t.account_id = $accountID
		OPTIONAL MATCH (parent:Topic)-[rel:HAS_SUBTOPIC]->(t)
		DELETE rel
		RETURN count(rel) as removed
	`

	result, err := session.Run(ctx, query, map[string]interface{}{
		"nodeID":    nodeID,
		"accountID": accountID,
	})
	if err != nil {
		return false, apperrors.NewStoreUnavailable("neo4j", err)
	}

	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return false, apperrors.NewStoreUnavailable("neo4j", err)
		}
		return false, apperrors.NewTopicNotFound(nodeID)
	}

	removed := getIntFromRecord(result.Record(), "removed")
	r.logger.Debug("Detached topic from parent",
		zap.String("node_id", nodeID),
		zap.Int64("edges_removed", removed),
	)
	return removed > 0, nil
}

// UpdateSessionID re-scopes a set of nodes to a new session. Setting the same
// value twice is a no-op, so the caller may re-run this after a crash.
func (r *Repository) UpdateSessionID(ctx context.Context, accountID string, nodeIDs []string, sessionID string) error {
	if len(nodeIDs) == 0 {
		return nil
	}

	session := r.writeSession(ctx)
	defer session.Close(ctx)

	query := `
		MATCH (t:Topic)
		WHERE elementId(t) IN $nodeIDs AND t.account_id = $accountID
		SET t.chat_room_id = $sessionID
		RETURN count(t) as updated
	`

	result, err := session.Run(ctx, query, map[string]interface{}{
		"nodeIDs":   nodeIDs,
		"accountID": accountID,
		"sessionID": sessionID,
	})
	if err != nil {
		return apperrors.NewStoreUnavailable("neo4j", err)
	}

	if result.Next(ctx) {
		updated := getIntFromRecord(result.Record(), "updated")
		r.logger.Info("Re-scoped topic subtree",
			zap.String("account_id", accountID),
			zap.String("session_id", sessionID),
			zap.Int64("nodes_updated", updated),
		)
	}
	return result.Err()
}

// DeleteSubtree deletes a topic and all descendants along HAS_SUBTOPIC edges
func (r *Repository) DeleteSubtree(ctx context.Context, accountID, nodeID string) error {
	session := r.writeSession(ctx)
	defer session.Close(ctx)

	query := fmt.Sprintf(`
		MATCH (root:Topic)
		WHERE elementId(root) = $nodeID AND root.account_id = $accountID
		MATCH (root)-[:HAS_SUBTOPIC*0..%d]->(d:Topic)
		DETACH DELETE d
	`, maxSubtreeDepth)

	_, err := session.Run(ctx, query, map[string]interface{}{
		"nodeID":    nodeID,
		"accountID": accountID,
	})
	if err != nil {
		return apperrors.NewStoreUnavailable("neo4j", err)
	}

	r.logger.Info("Deleted topic subtree",
		zap.String("account_id", accountID),
		zap.String("node_id", nodeID),
	)
	return nil
}

// CreateTopic creates a new topic node and returns its element id
func (r *Repository) CreateTopic(ctx context.Context, accountID, sessionID, title, content, fragmentRef string) (string, error) {
	session := r.writeSession(ctx)
	defer session.Close(ctx)

	now := time.Now().UTC().Format(time.RFC3339)

	query := `
		CREATE (t:Topic {
			title: $title,
			content: $content,
			mongo_ref: $fragmentRef,
			account_id: $accountID,
			chat_room_id: $sessionID,
			created_at: datetime($now)
		})
		RETURN elementId(t) as id
	`

	result, err := session.Run(ctx, query, map[string]interface{}{
		"title":       title,
		"content":     content,
		"fragmentRef": fragmentRef,
		"accountID":   accountID,
		"sessionID":   sessionID,
		"now":         now,
	})
	if err != nil {
		return "", apperrors.NewStoreUnavailable("neo4j", err)
	}

	record, err := result.Single(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to verify topic creation: %w", err)
	}

	return getStringFromRecord(record, "id"), nil
}

// LinkTopics creates a typed relationship between two topics in the same account
func (r *Repository) LinkTopics(ctx context.Context, accountID, sourceID, targetID, edgeType string) error {
	if !IsValidEdgeType(edgeType) {
		return fmt.Errorf("unknown edge type: %s", edgeType)
	}

	session := r.writeSession(ctx)
	defer session.Close(ctx)

	// Relationship types cannot be parameterized; edgeType is validated above
	query := fmt.Sprintf(`
		MATCH (s:Topic), (t:Topic)
		WHERE elementId(s) = $sourceID AND elementId(t) = $targetID
		  AND s.account_id = $accountID AND t.account_id = $accountID
		MERGE (s)-[:%s]->(t)
	`, edgeType)

	_, err := session.Run(ctx, query, map[string]interface{}{
		"sourceID":  sourceID,
		"targetID":  targetID,
		"accountID": accountID,
	})
	if err != nil {
		return apperrors.NewStoreUnavailable("neo4j", err)
	}

	return nil
}
