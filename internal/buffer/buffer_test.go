package buffer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/operion/sentinel-agent/internal/models"
)

func makeSamples(start, count int) []models.Sample {
	samples := make([]models.Sample, count)
	for i := range samples {
		samples[i] = models.Sample{
			Timestamp:  int64(start + i),
			Device:     fmt.Sprintf("/dev/sda%d", start+i),
			MountPoint: "/",
		}
	}
	return samples
}

func TestPushEvictsOldestBeyondCapacity(t *testing.T) {
	buf := New(5, zap.NewNop())

	buf.Push(makeSamples(1, 10))

	drained := buf.DrainAll()
	require.Len(t, drained, 5)
	for i, s := range drained {
		assert.Equal(t, int64(6+i), s.Timestamp, "buffer should retain items 6-10 in order")
	}
}

func TestPushPreservesArrivalOrder(t *testing.T) {
	buf := New(10, zap.NewNop())

	buf.Push(makeSamples(1, 3))
	buf.Push(makeSamples(4, 3))

	drained := buf.DrainAll()
	require.Len(t, drained, 6)
	for i, s := range drained {
		assert.Equal(t, int64(1+i), s.Timestamp)
	}
}

func TestPushEvictsAcrossMultiplePushes(t *testing.T) {
	buf := New(3, zap.NewNop())

	buf.Push(makeSamples(1, 2))
	buf.Push(makeSamples(3, 2))

	drained := buf.DrainAll()
	require.Len(t, drained, 3)
	assert.Equal(t, int64(2), drained[0].Timestamp)
	assert.Equal(t, int64(4), drained[2].Timestamp)
}

func TestDrainAllEmptiesBuffer(t *testing.T) {
	buf := New(5, zap.NewNop())
	buf.Push(makeSamples(1, 3))

	first := buf.DrainAll()
	require.Len(t, first, 3)

	second := buf.DrainAll()
	assert.Nil(t, second, "second drain should return nothing")
	assert.Equal(t, 0, buf.Len())
}

func TestPushEmptyIsNoOp(t *testing.T) {
	buf := New(5, zap.NewNop())
	buf.Push(nil)
	assert.Equal(t, 0, buf.Len())
}

func TestCapacityClampedToOne(t *testing.T) {
	buf := New(0, zap.NewNop())
	buf.Push(makeSamples(1, 3))
	drained := buf.DrainAll()
	require.Len(t, drained, 1)
	assert.Equal(t, int64(3), drained[0].Timestamp)
}
