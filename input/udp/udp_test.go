package udp

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/attrstream/attribute"
	"github.com/c360/attrstream/catalog"
	"github.com/c360/attrstream/connector"
	"github.com/c360/attrstream/errors"
	"github.com/c360/attrstream/event"
	"github.com/c360/attrstream/metric"
)

type recorder struct {
	mu     sync.Mutex
	events []*event.Event
	fail   error
}

func (r *recorder) Accept(_ context.Context, ev *event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func startInput(t *testing.T, target Acceptor, reg *metric.MetricsRegistry) *Input {
	t.Helper()
	in, err := NewInput(Config{Address: "127.0.0.1:0"}, Deps{Resource: "web", Target: target, Registry: reg})
	require.NoError(t, err)
	require.NoError(t, in.Start(context.Background()))
	t.Cleanup(func() { _ = in.Stop(time.Second) })
	return in
}

func send(t *testing.T, addr string, payloads ...string) {
	t.Helper()
	conn, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer conn.Close()
	for _, p := range payloads {
		_, err := conn.Write([]byte(p))
		require.NoError(t, err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"host and port", Config{Address: "0.0.0.0:14550"}, true},
		{"port only", Config{Address: ":9000"}, true},
		{"missing port", Config{Address: "localhost"}, false},
		{"negative buffer", Config{Address: ":9000", BufferSize: -1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, errors.ErrInvalidConfig)
			}
		})
	}
}

func TestNewInput_RequiresTarget(t *testing.T) {
	_, err := NewInput(Config{Address: ":0"}, Deps{})
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestDecodeDatagram(t *testing.T) {
	events, err := decodeDatagram([]byte(` {"category":"metrics","name":"requests","timestamp":1714564800}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "requests", events[0].Name)
	assert.NotEmpty(t, events[0].ID)
	assert.Equal(t, int64(1714564800), events[0].Timestamp.Unix())

	events, err = decodeDatagram([]byte(`[{"category":"a","name":"x"},{"category":"a","name":"y"}]`))
	require.NoError(t, err)
	assert.Len(t, events, 2)

	for _, bad := range []string{"", "   ", "not json", `{"name":`} {
		_, err := decodeDatagram([]byte(bad))
		assert.ErrorIs(t, err, errors.ErrInvalidData, bad)
	}
}

func TestInput_ReceivesEvents(t *testing.T) {
	rec := &recorder{}
	in := startInput(t, rec, metric.NewMetricsRegistry())
	require.NotEmpty(t, in.Addr())

	send(t, in.Addr(),
		`{"category":"metrics","name":"requests"}`,
		`[{"category":"metrics","name":"a"},{"category":"metrics","name":"b"}]`,
		`garbage`,
	)

	require.Eventually(t, func() bool { return rec.len() == 3 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return in.Stats().Rejected == 1 }, 2*time.Second, 5*time.Millisecond)

	stats := in.Stats()
	assert.Equal(t, uint64(3), stats.Datagrams)
	assert.Equal(t, uint64(3), stats.Accepted)
	assert.True(t, in.Health().IsHealthy())
}

func TestInput_RefusedEventsAreCounted(t *testing.T) {
	rec := &recorder{fail: errors.WrapInvalid(errors.ErrInvalidData, "C", "Accept", "validate")}
	in := startInput(t, rec, nil)

	send(t, in.Addr(), `{"category":"metrics","name":"requests"}`)
	require.Eventually(t, func() bool { return in.Stats().Rejected == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, in.Stats().Accepted)
}

func TestInput_Lifecycle(t *testing.T) {
	in, err := NewInput(Config{Address: "127.0.0.1:0"}, Deps{Resource: "web", Target: &recorder{}})
	require.NoError(t, err)
	assert.True(t, in.Health().IsUnhealthy())
	assert.Empty(t, in.Addr())

	require.NoError(t, in.Start(context.Background()))
	assert.ErrorIs(t, in.Start(context.Background()), errors.ErrAlreadyStarted)

	require.NoError(t, in.Stop(time.Second))
	require.NoError(t, in.Stop(time.Second))
	assert.True(t, in.Health().IsUnhealthy())
	assert.ErrorIs(t, in.Start(context.Background()), errors.ErrConnectorClosed)
}

func TestInput_FeedsConnector(t *testing.T) {
	c, err := connector.New(connector.Config{
		Resource: "web",
		Attributes: map[string]attribute.Descriptor{
			"requests": {attribute.KeyDefinition: "gauge64"},
		},
	}, connector.Deps{})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop(time.Second) })

	in := startInput(t, c, nil)
	send(t, in.Addr(),
		`{"category":"metrics","name":"requests","measurement":{"kind":"integer","name":"requests","integer":4}}`,
		`{"category":"metrics","name":"requests","measurement":{"kind":"integer","name":"requests","integer":8}}`,
	)

	require.Eventually(t, func() bool {
		res, err := c.GetAttributes(context.Background(), []string{"requests"})
		if err != nil {
			return false
		}
		v, ok := res.Values["requests"].(catalog.Composite)
		if !ok {
			return false
		}
		n, _ := v.Get("count")
		return n == int64(2)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(2), c.LastSequence())
}
