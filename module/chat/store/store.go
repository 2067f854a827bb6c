package store

import (
	"chatty/module/chat/model"
	"context"
)

type Store interface {
	// Insert assigns ID when empty.
	Insert(ctx context.Context, m *model.Message) error
	// Conversation returns every message exchanged between a and b in either direction,
	// oldest first.
	Conversation(ctx context.Context, a, b string) ([]*model.Message, error)
}
