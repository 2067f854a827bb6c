package store

import (
	"chatty/global"
	"chatty/module/chat/model"
	"chatty/tools/ids"
	"context"
	"sync"
)

const memShards = 16

type memShard struct {
	mu     sync.RWMutex
	byConv map[string][]*model.Message // 按会话追加，天然有序
}

// Memory shards conversations by key so unrelated pairs do not contend.
type Memory struct {
	shards [memShards]memShard
}

func NewMemory() *Memory {
	m := &Memory{}
	for i := range m.shards {
		m.shards[i].byConv = make(map[string][]*model.Message)
	}
	return m
}

func (m *Memory) shard(key string) *memShard {
	return &m.shards[global.HashPartition(key, memShards)]
}

func (m *Memory) Insert(_ context.Context, msg *model.Message) error {
	if msg.ID == "" {
		msg.ID = ids.GenerateString()
	}
	key := msg.ConversationKey()
	s := m.shard(key)
	cp := *msg
	s.mu.Lock()
	s.byConv[key] = append(s.byConv[key], &cp)
	s.mu.Unlock()
	return nil
}

func (m *Memory) Conversation(_ context.Context, a, b string) ([]*model.Message, error) {
	key := global.ConversationKey(a, b)
	s := m.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.byConv[key]
	out := make([]*model.Message, 0, len(list))
	for _, x := range list {
		cp := *x
		out = append(out, &cp)
	}
	return out, nil
}
