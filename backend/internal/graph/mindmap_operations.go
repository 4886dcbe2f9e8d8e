package graph

import (
	"context"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	apperrors "mindflow/backend/pkg/errors"
)

// MindmapRows runs the aggregation traversal: every node in scope, outer-joined
// one hop along any relationship type whose far endpoint is also in scope.
// sessionID may be empty, which means every session owned by the account.
// Rows come back typed; the aggregator never sees raw driver maps.
func (r *Repository) MindmapRows(ctx context.Context, accountID, sessionID string) ([]MindmapRow, error) {
	session := r.readSession(ctx)
	defer session.Close(ctx)

	query := `
		MATCH (n:Topic)
		WHERE n.account_id = $accountID
		  AND ($sessionID = '' OR n.chat_room_id = $sessionID)
		OPTIONAL MATCH (n)-[rel]->(m:Topic)
		WHERE m.account_id = $accountID
		  AND ($sessionID = '' OR m.chat_room_id = $sessionID)
		RETURN n {
			id: elementId(n),
			title: n.title,
			content: n.content,
			mongo_ref: n.mongo_ref,
			account_id: n.account_id,
			chat_room_id: n.chat_room_id,
			created_at: n.created_at
		} as node,
		CASE WHEN rel IS NULL THEN null ELSE {
			source: elementId(n),
			target: elementId(m),
			type: type(rel)
		} END as edge
	`

	result, err := session.Run(ctx, query, map[string]interface{}{
		"accountID": accountID,
		"sessionID": sessionID,
	})
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("neo4j", err)
	}

	var rows []MindmapRow
	for result.Next(ctx) {
		record := result.Record()

		nodeVal, _ := record.Get("node")
		nodeMap, ok := nodeVal.(map[string]interface{})
		if !ok {
			continue
		}

		row := MindmapRow{Node: nodeFromMap(nodeMap)}
		if edgeMap, ok := edgeFromRecord(record); ok {
			row.Edge = edgeMap
		}
		rows = append(rows, row)
	}
	if err := result.Err(); err != nil {
		return nil, apperrors.NewStoreUnavailable("neo4j", err)
	}

	return rows, nil
}

func edgeFromRecord(record *neo4j.Record) (*TopicEdge, bool) {
	edgeVal, _ := record.Get("edge")
	edgeMap, ok := edgeVal.(map[string]interface{})
	if !ok {
		return nil, false
	}
	edge := &TopicEdge{
		Source: getStringFromMap(edgeMap, "source"),
		Target: getStringFromMap(edgeMap, "target"),
		Type:   getStringFromMap(edgeMap, "type"),
	}
	if edge.Source == "" || edge.Target == "" {
		return nil, false
	}
	return edge, true
}
