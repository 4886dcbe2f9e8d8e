package conversation

import (
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// AnswerSentence is one addressable fragment of an AI answer. SentenceID is
// the stable join key topic nodes point back at via their fragment ref.
type AnswerSentence struct {
	SentenceID string `bson:"sentence_id" json:"sentenceId"`
	Content    string `bson:"content" json:"content"`
	IsDeleted  bool   `bson:"is_deleted" json:"isDeleted"`
}

// NewAnswerSentence issues a fresh fragment with a globally unique id
func NewAnswerSentence(content string) AnswerSentence {
	return AnswerSentence{
		SentenceID: uuid.New().String(),
		Content:    content,
	}
}

// ChatLog is one immutable conversation turn: the user's question plus the
// ordered answer fragments produced for it. Only the soft-delete flags on
// fragments change after creation; copies made during separation get a new
// document identity and session id.
type ChatLog struct {
	ID              bson.ObjectID    `bson:"_id,omitempty" json:"id"`
	SessionID       int64            `bson:"chat_room_id" json:"sessionId"`
	AccountID       string           `bson:"user_id" json:"accountId"`
	Question        string           `bson:"question" json:"question"`
	AnswerSentences []AnswerSentence `bson:"answer_sentences" json:"answerSentences"`
	CreatedAt       time.Time        `bson:"created_at" json:"createdAt"`
	Processed       bool             `bson:"processed" json:"processed"`
}
