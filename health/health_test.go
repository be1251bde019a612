package health

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"dial nats://10.0.0.4:4222 refused", "dial [URL] refused"},
		{"open /etc/attrstream/config.yaml: denied", "open [PATH]: denied"},
		{"peer 192.168.1.10 gone", "peer [IP] gone"},
		{"auth failed token=abc123", "auth failed [REDACTED]"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Sanitize(tt.in), tt.in)
	}
}

func TestAggregate(t *testing.T) {
	assert.True(t, Aggregate("sys", nil).IsHealthy())

	s := Aggregate("sys", []Status{NewHealthy("a", ""), NewDegraded("b", "")})
	assert.True(t, s.IsDegraded())
	assert.False(t, s.Healthy)
	assert.Len(t, s.SubStatuses, 2)

	s = Aggregate("sys", []Status{NewDegraded("b", ""), NewUnhealthy("c", "")})
	assert.True(t, s.IsUnhealthy())
}

func TestStatusCopies(t *testing.T) {
	base := NewHealthy("a", "ok")
	withSub := base.WithSubStatus(NewHealthy("b", "ok"))
	assert.Empty(t, base.SubStatuses)
	assert.Len(t, withSub.SubStatuses, 1)

	m := &Metrics{EventsAccepted: 3}
	assert.Same(t, m, base.WithMetrics(m).Metrics)
	assert.Nil(t, base.Metrics)

	assert.True(t, FromError("x", nil).IsHealthy())
	s := FromError("x", fmt.Errorf("connect nats://h:4222 failed"))
	assert.True(t, s.IsUnhealthy())
	assert.Equal(t, "connect [URL] failed", s.Message)
}

func TestMonitor(t *testing.T) {
	m := NewMonitor()
	state := StateHealthy
	m.Register("web", CheckerFunc(func() Status { return newStatus("", state, "") }))
	m.Register("nats", CheckerFunc(func() Status { return NewHealthy("", "connected") }))

	s, ok := m.Check("web")
	require.True(t, ok)
	assert.Equal(t, "web", s.Component)

	agg := m.Aggregate("attrstream")
	assert.True(t, agg.IsHealthy())
	assert.Equal(t, []string{"nats", "web"}, []string{agg.SubStatuses[0].Component, agg.SubStatuses[1].Component})

	state = StateUnhealthy
	assert.True(t, m.Aggregate("attrstream").IsUnhealthy(), "checkers are polled on every call")

	m.Remove("web")
	_, ok = m.Check("web")
	assert.False(t, ok)
}
