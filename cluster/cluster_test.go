package cluster

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/attrstream/errors"
	"github.com/c360/attrstream/event"
	"github.com/c360/attrstream/natsclient"
	"github.com/c360/attrstream/testutil"
)

var (
	_ KVUpdater     = (*natsclient.KVStore)(nil)
	_ Transport     = (*natsclient.Client)(nil)
	_ HealthChecker = (*natsclient.Client)(nil)
	_ Broadcaster   = (*Loopback)(nil)
	_ Broadcaster   = (*NATSBroadcaster)(nil)
	_ Membership    = (*HealthMembership)(nil)
)

func TestMemoryCounter_ConcurrentUnique(t *testing.T) {
	counter := NewMemoryCounter()
	ctx := context.Background()

	const n = 200
	seen := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := counter.Next(ctx, "web")
			assert.NoError(t, err)
			seen <- v
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[uint64]bool)
	for v := range seen {
		assert.False(t, unique[v], "duplicate %d", v)
		unique[v] = true
	}
	assert.Len(t, unique, n)
	assert.True(t, unique[1] && unique[n])

	other, err := counter.Next(ctx, "db")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), other, "keys count independently")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = counter.Next(cancelled, "web")
	assert.True(t, errors.IsTransient(err))
}

func TestLoopback(t *testing.T) {
	hub := NewHub()
	a, b := hub.Join(), hub.Join()

	var mu sync.Mutex
	got := map[string][]*event.Event{}
	record := func(member string) Handler {
		return func(_ context.Context, ev *event.Event) {
			mu.Lock()
			got[member] = append(got[member], ev)
			mu.Unlock()
		}
	}
	require.NoError(t, a.Subscribe(context.Background(), record("a")))
	require.NoError(t, b.Subscribe(context.Background(), record("b")))

	ev := event.New("metrics", "cpu", event.IntegerMeasurement("", 1))
	require.NoError(t, a.Broadcast(context.Background(), ev))

	require.Len(t, got["a"], 1, "the sender receives its own broadcast")
	require.Len(t, got["b"], 1)
	assert.Equal(t, ev.ID, got["b"][0].ID)
	assert.NotSame(t, ev, got["b"][0], "members receive copies")

	b.Close()
	require.NoError(t, a.Broadcast(context.Background(), ev))
	assert.Len(t, got["b"], 1, "closed members stop receiving")
	assert.Error(t, b.Broadcast(context.Background(), ev))
}

func TestKVCounter(t *testing.T) {
	kv := testutil.NewMockKVStore()
	counter := NewKVCounter(kv)
	ctx := context.Background()

	for want := uint64(1); want <= 3; want++ {
		got, err := counter.Next(ctx, "web")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, "3", string(kv.Value("web")))

	kv.Set("broken", []byte("x"))
	_, err := counter.Next(ctx, "broken")
	assert.ErrorIs(t, err, errors.ErrDataCorrupted)
}

func TestNATSBroadcaster(t *testing.T) {
	transport := testutil.NewMockNATSClient()
	b := NewNATSBroadcaster(transport, "web", nil)
	assert.Equal(t, "attrstream.web.events", b.Subject())

	var received []*event.Event
	require.NoError(t, b.Subscribe(context.Background(), func(_ context.Context, ev *event.Event) {
		received = append(received, ev)
	}))

	ev := event.New("metrics", "latency", event.FloatMeasurement("", 1.5))
	ev.Sequence = 42
	ev.Origin = "node-a"
	require.NoError(t, b.Broadcast(context.Background(), ev))

	require.Len(t, received, 1)
	got := received[0]
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, uint64(42), got.Sequence)
	assert.Equal(t, "node-a", got.Origin)
	assert.Equal(t, 1.5, got.Measurement.Float)
	assert.True(t, ev.Timestamp.Equal(got.Timestamp))

	// garbage on the subject is dropped
	transport.Deliver(context.Background(), b.Subject(), []byte("{"))
	assert.Len(t, received, 1)
	assert.Equal(t, 1, transport.GetMessageCount(b.Subject()))

	transport.FailPublish(fmt.Errorf("connection lost"))
	assert.Error(t, b.Broadcast(context.Background(), ev))
}

func TestMemberships(t *testing.T) {
	static := NewStaticMembership("node-a")
	assert.Equal(t, "node-a", static.LocalNode())
	assert.True(t, static.IsActive())
	static.SetActive(false)
	assert.False(t, static.IsActive())

	transport := testutil.NewMockNATSClient()
	m := NewHealthMembership("node-b", transport)
	assert.True(t, m.IsActive())
	transport.Close()
	assert.False(t, m.IsActive())

	assert.NotEqual(t, NewNodeID(), NewNodeID())
}
