package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovren/stagehand/internal/history"
)

func TestSendAndCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := New(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	events := []history.Event{
		{Name: "api", From: "pending", To: "starting", Reason: "spawning", OccurredAt: time.Now().UTC()},
		{Name: "api", From: "starting", To: "running", PID: 1234, Reason: "stable", OccurredAt: time.Now().UTC()},
		{Name: "worker", From: "starting", To: "backoff", ExitCode: 1, Restarts: 1, Reason: "exited before start duration", OccurredAt: time.Now().UTC()},
	}
	for _, e := range events {
		require.NoError(t, s.Send(ctx, e))
	}

	n, err := s.CountByName(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.CountByName(ctx, "worker")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.CountByName(ctx, "ghost")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	s, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s.Send(ctx, history.Event{Name: "api", From: "pending", To: "starting", OccurredAt: time.Now().UTC()}))
	require.NoError(t, s.Close())

	s2, err := New(path)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()

	n, err := s2.CountByName(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSinkInterface(t *testing.T) {
	var _ history.Sink = (*Sink)(nil)
}
