package global

import (
	"hash/crc32"
)

// ConversationKey 单聊会话键：两端ID排序后拼接，A→B 与 B→A 得到同一个 key。
// 用作 Kafka 消息 key，保证同一会话落在同一分区。
func ConversationKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// HashPartition 与 sarama HashPartitioner 无关，仅用于本地按 key 分片
func HashPartition(key string, numPartitions int) int32 {
	if numPartitions <= 0 {
		return 0
	}
	checksum := crc32.ChecksumIEEE([]byte(key))
	return int32(checksum % uint32(numPartitions))
}
