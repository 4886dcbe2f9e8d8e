package graph

import (
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

func nodeFromMap(m map[string]interface{}) TopicNode {
	return TopicNode{
		ID:          getStringFromMap(m, "id"),
		Title:       getStringFromMap(m, "title"),
		Content:     getStringFromMap(m, "content"),
		FragmentRef: getStringFromMap(m, "mongo_ref"),
		AccountID:   getStringFromMap(m, "account_id"),
		SessionID:   getStringFromMap(m, "chat_room_id"),
		CreatedAt:   getTimeFromMap(m, "created_at"),
	}
}

func getStringFromMap(m map[string]interface{}, key string) string {
	if val, ok := m[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

func getTimeFromMap(m map[string]interface{}, key string) time.Time {
	val, ok := m[key]
	if !ok {
		return time.Time{}
	}
	// Neo4j datetime values come back as time.Time; seeded data may carry
	// RFC3339 strings instead
	switch v := val.(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

func getStringFromRecord(record *neo4j.Record, key string) string {
	val, ok := record.Get(key)
	if !ok {
		return ""
	}
	if str, ok := val.(string); ok {
		return str
	}
	return ""
}

func getBoolFromRecord(record *neo4j.Record, key string) bool {
	val, ok := record.Get(key)
	if !ok {
		return false
	}
	if b, ok := val.(bool); ok {
		return b
	}
	return false
}

func getIntFromRecord(record *neo4j.Record, key string) int64 {
	val, ok := record.Get(key)
	if !ok {
		return 0
	}
	if n, ok := val.(int64); ok {
		return n
	}
	return 0
}
