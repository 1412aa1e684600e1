package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pvliesdonk/mcp-devbench/pkg/types"
)

func TestAppendPollComplete(t *testing.T) {
	s := New(0, 0)
	s.InitExec("e_1")

	seq, ok := s.Append("e_1", KindStdout, []byte("hi"))
	require.True(t, ok)
	require.Zero(t, seq)

	chunks, complete := s.Poll("e_1", nil)
	require.False(t, complete)
	require.Len(t, chunks, 1)

	s.Complete("e_1", 0, types.ExecUsage{})
	_, complete = s.Poll("e_1", nil)
	require.True(t, complete)
}

func TestStatsReflectsBufferState(t *testing.T) {
	s := New(0, 0)
	s.InitExec("e_1")

	_, ok := s.Stats("e_missing")
	require.False(t, ok)

	s.Append("e_1", KindStdout, []byte("hello"))
	stats, ok := s.Stats("e_1")
	require.True(t, ok)
	require.Equal(t, 1, stats.ChunkCount)
	require.EqualValues(t, 5, stats.BufferedBytes)
	require.False(t, stats.Complete)

	s.Complete("e_1", 0, types.ExecUsage{})
	stats, ok = s.Stats("e_1")
	require.True(t, ok)
	require.True(t, stats.Complete)
	require.False(t, stats.CompletedAt.IsZero())
}

func TestCleanupCompletedOlderThanSweepsOnlyStaleCompletedBuffers(t *testing.T) {
	s := New(0, 0)

	s.InitExec("e_stale_complete")
	s.Complete("e_stale_complete", 0, types.ExecUsage{})
	s.buffers["e_stale_complete"].completedAt = time.Now().UTC().Add(-2 * time.Hour)

	s.InitExec("e_fresh_complete")
	s.Complete("e_fresh_complete", 0, types.ExecUsage{})

	s.InitExec("e_still_running")

	freed := s.CleanupCompletedOlderThan(time.Hour)
	require.Equal(t, 1, freed)

	_, ok := s.Stats("e_stale_complete")
	require.False(t, ok)
	_, ok = s.Stats("e_fresh_complete")
	require.True(t, ok)
	_, ok = s.Stats("e_still_running")
	require.True(t, ok)
}
