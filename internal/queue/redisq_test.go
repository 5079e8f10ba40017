package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadyScoreOrdering(t *testing.T) {
	hi := readyScore(Entry{Priority: 5, Seq: 10})
	lo := readyScore(Entry{Priority: 1, Seq: 1})
	assert.Greater(t, hi, lo, "higher priority scores higher")

	older := readyScore(Entry{Priority: 5, Seq: 1})
	newer := readyScore(Entry{Priority: 5, Seq: 2})
	assert.Greater(t, older, newer, "FIFO within a priority")
}

func TestReadyScoreClampsHostilePriorities(t *testing.T) {
	assert.Equal(t, readyScore(Entry{Priority: 0, Seq: 1}),
		readyScore(Entry{Priority: -50, Seq: 1}))
	assert.Equal(t, readyScore(Entry{Priority: MaxPriority, Seq: 1}),
		readyScore(Entry{Priority: 1 << 20, Seq: 1}))

	// Clamped scores stay inside float64's exact-integer range.
	assert.LessOrEqual(t, readyScore(Entry{Priority: 1 << 20, Seq: 1}), float64(int64(1)<<53))
}
