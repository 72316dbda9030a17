package sharding

import (
	"fmt"
	"hash/crc32"
)

// ShardCount is the fixed number of change-feed partitions.
const ShardCount = 1024

const EventSubjectPrefix = "todo.event"

// ShardID maps an id onto [0, ShardCount) deterministically.
func ShardID(id string) int {
	return int(crc32.ChecksumIEEE([]byte(id)) % ShardCount)
}

// EventSubject returns todo.event.{shard}.{id}, so consumers can subscribe
// to a subset of shards with todo.event.{shard}.>.
func EventSubject(todoID string) string {
	return fmt.Sprintf("%s.%d.%s", EventSubjectPrefix, ShardID(todoID), todoID)
}

func ShardWildcard(shard int) string {
	return fmt.Sprintf("%s.%d.>", EventSubjectPrefix, shard)
}
