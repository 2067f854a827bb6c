package model

import (
	"chatty/global"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
)

const MessageTableName = "messages"

// Message 单聊消息；Text 与 Image 至少一个非空
type Message struct {
	ID         string    `bson:"_id" json:"_id"`
	SenderID   string    `bson:"sender_id" json:"senderId"`
	ReceiverID string    `bson:"receiver_id" json:"receiverId"`
	Text       string    `bson:"text,omitempty" json:"text,omitempty"`
	Image      string    `bson:"image,omitempty" json:"image,omitempty"`
	CreatedAt  time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt  time.Time `bson:"updated_at" json:"updatedAt"`
}

func (m *Message) GetFrom() string { return m.SenderID }
func (m *Message) GetTo() string   { return m.ReceiverID }

func (m *Message) ConversationKey() string {
	return global.ConversationKey(m.SenderID, m.ReceiverID)
}

func (m *Message) GetTableName() string { return MessageTableName }

func (m *Message) Collection(db *mongo.Database) *mongo.Collection {
	return db.Collection(m.GetTableName())
}
