package ingest

import (
	"fmt"
	"testing"

	"github.com/segmentio/kafka-go"
)

func TestPositionBalancerPinsDriverToOnePartition(t *testing.T) {
	b := positionBalancer()
	parts := []int{0, 1, 2, 3, 4, 5}

	first := b.Balance(kafka.Message{Key: []byte("driver-42"), Value: []byte("a")}, parts...)
	for i := 0; i < 20; i++ {
		// payload size must not influence routing
		got := b.Balance(kafka.Message{Key: []byte("driver-42"), Value: []byte("a much larger payload than before")}, parts...)
		if got != first {
			t.Fatalf("partition moved from %d to %d for the same driver key", first, got)
		}
	}

	spread := map[int]bool{}
	for i := 0; i < 64; i++ {
		key := []byte(fmt.Sprintf("driver-%d", i))
		spread[b.Balance(kafka.Message{Key: key}, parts...)] = true
	}
	if len(spread) < 2 {
		t.Fatal("all driver keys hashed to a single partition")
	}
}
