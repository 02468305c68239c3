package partition

import (
	"fmt"
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
)

func TestAssignStable(t *testing.T) {
	a, err := NewAssigner(6)
	assert.NoError(t, err)
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("customer-%d", i)
		first := a.Assign(key)
		for j := 0; j < 10; j++ {
			assert.Equal(t, first, a.Assign(key))
		}
		assert.GreaterOrEqual(t, first, int32(0))
		assert.Less(t, first, int32(6))
	}
}

func TestAssignSpreads(t *testing.T) {
	a, _ := NewAssigner(6)
	seen := make(map[int32]bool)
	for i := 0; i < 1000; i++ {
		seen[a.Assign(fmt.Sprintf("customer-%d", i))] = true
	}
	assert.Len(t, seen, 6)
}

func TestNewAssignerInvalidCount(t *testing.T) {
	_, err := NewAssigner(0)
	assert.Error(t, err)
	_, err = NewAssigner(-3)
	assert.Error(t, err)
}

func TestSaramaPartitionerMatchesAssigner(t *testing.T) {
	a, _ := NewAssigner(6)
	p := NewSaramaPartitioner("sales-events")
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("customer-%d", i)
		msg := &sarama.ProducerMessage{Key: sarama.StringEncoder(key)}
		got, err := p.Partition(msg, 6)
		assert.NoError(t, err)
		assert.Equal(t, a.Assign(key), got)
	}
}

func TestSaramaPartitionerRequiresKey(t *testing.T) {
	p := NewSaramaPartitioner("sales-events")
	_, err := p.Partition(&sarama.ProducerMessage{}, 6)
	assert.Error(t, err)
	assert.True(t, p.RequiresConsistency())
}
