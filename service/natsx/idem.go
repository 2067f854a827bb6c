package natsx

import (
	"context"
	"strings"
	"sync"
	"time"
)

// ----- 抽象存储 -----
type IdemStore interface {
	SeenOnce(key string, ttl time.Duration) (seen bool, err error)
}

// ----- 内存实现（单进程） -----
type MemIdem struct {
	mu  sync.Mutex
	m   map[string]int64 // key -> expireUnixNano
	ttl time.Duration
	now func() time.Time
}

func NewMemIdem(defaultTTL time.Duration) *MemIdem {
	if defaultTTL <= 0 {
		defaultTTL = time.Minute
	}
	return &MemIdem{m: make(map[string]int64), ttl: defaultTTL, now: time.Now}
}

func (mi *MemIdem) SeenOnce(key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = mi.ttl
	}
	now := mi.now()
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if old, ok := mi.m[key]; ok && old > now.UnixNano() {
		return true, nil // 已见过
	}
	// 惰性清理，避免常驻清理协程
	if len(mi.m) >= 4096 {
		for k, exp := range mi.m {
			if exp <= now.UnixNano() {
				delete(mi.m, k)
			}
		}
	}
	mi.m[key] = now.Add(ttl).UnixNano()
	return false, nil
}

func (mi *MemIdem) Len() int {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return len(mi.m)
}

const HeaderMsgID = "Nats-Msg-Id"

// ----- 从消息头提取 msgID -----
func msgIDFromHeader(h map[string]string) string {
	for _, k := range []string{HeaderMsgID, "nats-msg-id", "X-Msg-Id", "x-msg-id"} {
		if v, ok := h[k]; ok && v != "" {
			return v
		}
	}
	return ""
}

// ----- 幂等中间件 -----
// 用法：NewNatsxConsumer(client, NatsxIdemMiddleware(store, ttl))
func NatsxIdemMiddleware(store IdemStore, ttl time.Duration) NatsxMiddleware {
	return func(next NatsxHandler) NatsxHandler {
		return func(ctx context.Context, msg NatsxMessage) error {
			id := msgIDFromHeader(msg.Header)
			if id == "" {
				// 无ID时根据 subject+内容构造一个弱ID
				id = msg.Subject + "|" + strings.TrimSpace(string(msg.Data))
			}
			seen, _ := store.SeenOnce(id, ttl)
			if seen {
				return nil
			}
			return next(ctx, msg)
		}
	}
}
