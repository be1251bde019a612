package buffer

import (
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/attrstream/errors"
	"github.com/c360/attrstream/metric"
)

func TestNew_RejectsZeroCapacity(t *testing.T) {
	_, err := New[int](0)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestBuffer_FIFO(t *testing.T) {
	b, err := New[int](4)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.NoError(t, b.Write(i))
	}
	assert.Equal(t, 3, b.Size())
	assert.Equal(t, []int{1, 2}, b.ReadBatch(2))
	assert.Equal(t, []int{3}, b.ReadBatch(10))
	assert.Nil(t, b.ReadBatch(10))
	assert.Nil(t, b.ReadBatch(0))
}

func TestBuffer_OverflowPolicies(t *testing.T) {
	tests := []struct {
		policy OverflowPolicy
		kept   []int
		lost   []int
	}{
		{DropOldest, []int{3, 4, 5}, []int{1, 2}},
		{DropNewest, []int{1, 2, 3}, []int{4, 5}},
	}

	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			var lost []int
			b, err := New(3,
				WithOverflowPolicy[int](tt.policy),
				WithDropCallback(func(v int) { lost = append(lost, v) }))
			require.NoError(t, err)

			for i := 1; i <= 5; i++ {
				require.NoError(t, b.Write(i))
			}
			assert.Equal(t, tt.kept, b.ReadBatch(10))
			assert.Equal(t, tt.lost, lost)
			assert.Equal(t, uint64(2), b.Dropped())
		})
	}
}

func TestBuffer_CloseRejectsWrites(t *testing.T) {
	b, err := New[string](2)
	require.NoError(t, err)
	require.NoError(t, b.Write("a"))
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Write("b"), errors.ErrConnectorClosed)
	assert.Equal(t, []string{"a"}, b.ReadBatch(5), "buffered items survive close")
}

func TestBuffer_ReadySignal(t *testing.T) {
	b, err := New[int](8)
	require.NoError(t, err)

	var wg sync.WaitGroup
	got := make([]int, 0, 20)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for len(got) < 20 {
			<-b.Ready()
			got = append(got, b.ReadBatch(8)...)
		}
	}()

	for i := 0; i < 20; i++ {
		for b.Size() == b.Capacity() {
			runtime.Gosched()
		}
		require.NoError(t, b.Write(i))
	}
	wg.Wait()
	assert.Len(t, got, 20)
	assert.Equal(t, 0, got[0])
	assert.Equal(t, 19, got[19])
}

func TestBuffer_Metrics(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	b, err := New(1, WithMetrics[int](reg, "udp_web"))
	require.NoError(t, err)
	require.NoError(t, b.Write(1))
	require.NoError(t, b.Write(2))

	_, err = New(1, WithMetrics[int](reg, "udp_web"))
	assert.Error(t, err, "duplicate component label")

	families, err := reg.PrometheusRegistry().Gather()
	require.NoError(t, err)
	var drops float64
	for _, f := range families {
		if f.GetName() == "attrstream_buffer_drops_total" {
			drops = f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(1), drops)
}
