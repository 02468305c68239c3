// Package partition maps event keys to partition indexes. The mapping is a
// pure function of the key and the partition count, so the same key always
// lands on the same partition for the lifetime of a topic's layout, which
// is what preserves intra-key ordering end to end.
package partition

import (
	"fmt"

	"github.com/IBM/sarama"
	"github.com/cespare/xxhash/v2"
)

// Assigner maps keys to partitions for a fixed partition count.
type Assigner struct {
	partitionCount uint64
}

// NewAssigner returns an Assigner for the given partition count.
func NewAssigner(partitionCount int32) (*Assigner, error) {
	if partitionCount <= 0 {
		return nil, fmt.Errorf("invalid partition count %d", partitionCount)
	}
	return &Assigner{partitionCount: uint64(partitionCount)}, nil
}

// Assign returns the partition index for a key.
func (a *Assigner) Assign(key string) int32 {
	return int32(xxhash.Sum64String(key) % a.partitionCount)
}

// keyHashPartitioner implements sarama.Partitioner with the same hash as
// Assigner, so the producer-side placement and any local computation of a
// key's partition agree.
type keyHashPartitioner struct{}

// NewSaramaPartitioner is a sarama.PartitionerConstructor.
func NewSaramaPartitioner(_ string) sarama.Partitioner {
	return &keyHashPartitioner{}
}

func (p *keyHashPartitioner) Partition(message *sarama.ProducerMessage, numPartitions int32) (int32, error) {
	if message.Key == nil {
		return 0, fmt.Errorf("message without a key cannot be partitioned consistently")
	}
	key, err := message.Key.Encode()
	if err != nil {
		return 0, err
	}
	return int32(xxhash.Sum64(key) % uint64(numPartitions)), nil
}

func (p *keyHashPartitioner) RequiresConsistency() bool {
	return true
}
