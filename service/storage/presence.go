package storage

import (
	"chatty/tools/errs"
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// presence key: im:presence:<user>
// Value: <nodeID>:<connID>, TTL bounds how long a crashed node can leave stale entries.
const presencePrefix = "im:presence:"

func PresenceKey(user string) string { return presencePrefix + user }

func presenceValue(nodeID, connID string) string { return nodeID + ":" + connID }

// ===== Lua 脚本 =====

// 仅当值仍是本连接写入的才删除，避免旧连接迟到的离线覆盖新连接
// KEYS[1] = presence key
// ARGV[1] = expected value
// 返回：1=删除；0=不存在或已被其他连接占用
const luaCompareAndDelete = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// 删除值以指定节点前缀开头的键（节点重启清理）
// KEYS[1] = presence key
// ARGV[1] = "<nodeID>:"
const luaDeleteIfNode = `
local v = redis.call("GET", KEYS[1])
if v and string.sub(v, 1, string.len(ARGV[1])) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

type PresenceConfig struct {
	NodeID string        // 节点ID（写入 value）
	TTL    time.Duration // 键过期时间
}

// Presence mirrors the local online set into Redis so other processes can answer presence queries.
type Presence struct {
	rdb  redis.UniversalClient
	conf PresenceConfig

	luaCAD     *redis.Script
	luaDelNode *redis.Script
}

func NewPresence(rdb redis.UniversalClient, conf PresenceConfig) *Presence {
	if conf.TTL <= 0 {
		conf.TTL = 24 * time.Hour
	}
	return &Presence{
		rdb:        rdb,
		conf:       conf,
		luaCAD:     redis.NewScript(luaCompareAndDelete),
		luaDelNode: redis.NewScript(luaDeleteIfNode),
	}
}

// Online writes the entry for connID with a fresh TTL. Live connections are rewritten
// periodically, so the TTL only expires entries of a node that stopped refreshing.
func (p *Presence) Online(ctx context.Context, userID, connID string) error {
	if err := p.rdb.Set(ctx, PresenceKey(userID), presenceValue(p.conf.NodeID, connID), p.conf.TTL).Err(); err != nil {
		return errs.WrapMsg(err, "presence online", "user", userID)
	}
	return nil
}

// Offline removes the entry only if connID still owns it.
func (p *Presence) Offline(ctx context.Context, userID, connID string) error {
	_, err := p.luaCAD.Run(ctx, p.rdb, []string{PresenceKey(userID)}, presenceValue(p.conf.NodeID, connID)).Int()
	if err != nil {
		return errs.WrapMsg(err, "presence offline", "user", userID)
	}
	return nil
}

type PresenceEntry struct {
	UserID string
	NodeID string
	ConnID string
}

// Lookup reports whether user is online anywhere and where.
func (p *Presence) Lookup(ctx context.Context, userID string) (PresenceEntry, bool, error) {
	val, err := p.rdb.Get(ctx, PresenceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return PresenceEntry{}, false, nil
	}
	if err != nil {
		return PresenceEntry{}, false, errs.WrapMsg(err, "presence lookup", "user", userID)
	}
	node, conn, _ := strings.Cut(val, ":")
	return PresenceEntry{UserID: userID, NodeID: node, ConnID: conn}, true, nil
}

// PurgeNode drops every entry written by this node, e.g. left behind by a crash before restart.
func (p *Presence) PurgeNode(ctx context.Context) (int, error) {
	var (
		cursor uint64
		purged int
	)
	prefix := p.conf.NodeID + ":"
	for {
		keys, next, err := p.rdb.Scan(ctx, cursor, presencePrefix+"*", 256).Result()
		if err != nil {
			return purged, errs.WrapMsg(err, "presence scan")
		}
		for _, k := range keys {
			n, err := p.luaDelNode.Run(ctx, p.rdb, []string{k}, prefix).Int()
			if err != nil {
				return purged, errs.WrapMsg(err, "presence purge", "key", k)
			}
			purged += n
		}
		if next == 0 {
			return purged, nil
		}
		cursor = next
	}
}
