package ids

import (
	"strconv"
	"sync"
	"time"
)

// 41 位毫秒时间戳 | 10 位节点 | 12 位序列
const (
	nodeBits = 10
	seqBits  = 12
	maxNode  = 1<<nodeBits - 1
	seqMask  = 1<<seqBits - 1
	tsMask   = 1<<41 - 1
)

var epoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// Generator hands out snowflake ids that increase strictly within one process.
type Generator struct {
	mu     sync.Mutex
	node   int64
	seq    int64
	lastMS int64
	clock  func() time.Time
}

// NewGenerator builds a generator for node; an out-of-range node falls back to 1.
func NewGenerator(node int64, clock func() time.Time) *Generator {
	if clock == nil {
		clock = time.Now
	}
	return &Generator{node: clampNode(node), clock: clock}
}

func clampNode(node int64) int64 {
	if node < 0 || node > maxNode {
		return 1
	}
	return node
}

func (g *Generator) SetNode(node int64) {
	g.mu.Lock()
	g.node = clampNode(node)
	g.mu.Unlock()
}

func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock().Sub(epoch).Milliseconds()
	// 时钟回拨时沿用上一毫秒继续发号，不阻塞调用方
	if now < g.lastMS {
		now = g.lastMS
	}
	if now == g.lastMS {
		g.seq = (g.seq + 1) & seqMask
		if g.seq == 0 {
			// 本毫秒序列用尽，借用下一毫秒
			now++
		}
	} else {
		g.seq = 0
	}
	g.lastMS = now
	return (now&tsMask)<<(nodeBits+seqBits) | g.node<<seqBits | g.seq
}

// NodeOf extracts the node bits of an id.
func NodeOf(id int64) int64 { return (id >> seqBits) & maxNode }

// ===== 进程级默认生成器 =====

var defaultGen = NewGenerator(1, nil)

// SetNodeID 设置 nodeID（0~1023），在 main() 初始化时调用
func SetNodeID(nodeID int64) { defaultGen.SetNode(nodeID) }

func Generate() int64 { return defaultGen.Next() }

func GenerateString() string { return strconv.FormatInt(Generate(), 10) }
