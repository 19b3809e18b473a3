package scope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTouchCreatesAndUpdates(t *testing.T) {
	m := NewManager(time.Hour)

	s := m.Touch("abc")
	require.NotNil(t, s)
	s.Set("user", "alice")

	s2, ok := m.Get("abc")
	require.True(t, ok)
	v, ok := s2.Get("user")
	require.True(t, ok)
	assert.Equal(t, "alice", v)
}

func TestSweepEvictsExpiredOnly(t *testing.T) {
	m := NewManager(10 * time.Millisecond)

	m.Touch("stale")
	m.SetDefaultTimeout(time.Hour)
	m.Touch("fresh")

	time.Sleep(20 * time.Millisecond)

	evicted := m.Sweep(time.Now())
	assert.Equal(t, 1, evicted)

	_, staleOK := m.Get("stale")
	_, freshOK := m.Get("fresh")
	assert.False(t, staleOK)
	assert.True(t, freshOK)
}

func TestDrop(t *testing.T) {
	m := NewManager(time.Hour)
	m.Touch("x")
	m.Drop("x")
	_, ok := m.Get("x")
	assert.False(t, ok)
}
