package stream

import (
	"sync"
	"time"

	"github.com/pvliesdonk/mcp-devbench/pkg/types"
)

const (
	// DefaultMaxBytes is the per-exec buffer byte cap.
	DefaultMaxBytes = 64 * 1024 * 1024
	// DefaultMaxChunks is the per-exec buffer chunk-count cap.
	DefaultMaxChunks = 10000
)

// ChunkKind distinguishes an output chunk from the single terminal
// completion chunk.
type ChunkKind string

const (
	KindStdout     ChunkKind = "stdout"
	KindStderr     ChunkKind = "stderr"
	KindCompletion ChunkKind = "completion"
)

// Chunk is one entry in an exec's output buffer.
type Chunk struct {
	Seq       int64
	Kind      ChunkKind
	Data      []byte
	ExitCode  int
	Usage     types.ExecUsage
	Timestamp time.Time
}

// buffer is the per-exec ring state: an ordered chunk queue, the
// running sequence counter, the running byte total, and the
// completion flag, each protected by its own mutex so one exec's
// traffic never blocks another's.
type buffer struct {
	mu            sync.Mutex
	chunks        []Chunk
	nextSeq       int64
	bufferedBytes int64
	complete      bool
	completedAt   time.Time
}

// Stats is the diagnostic view Stats(exec_id) returns: current ring
// occupancy and completion state, without consuming any chunks.
type Stats struct {
	ChunkCount    int
	BufferedBytes int64
	NextSeq       int64
	Complete      bool
	CompletedAt   time.Time
}

// Streamer holds one buffer per live (or recently completed) exec.
type Streamer struct {
	maxBytes  int64
	maxChunks int

	mu      sync.Mutex
	buffers map[string]*buffer
}

// New creates a Streamer with the given byte and chunk caps. Pass 0 for
// either to use the package defaults.
func New(maxBytes int64, maxChunks int) *Streamer {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if maxChunks <= 0 {
		maxChunks = DefaultMaxChunks
	}
	return &Streamer{
		maxBytes:  maxBytes,
		maxChunks: maxChunks,
		buffers:   make(map[string]*buffer),
	}
}

// InitExec allocates a buffer for a newly submitted exec.
func (s *Streamer) InitExec(execID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buffers[execID]; !ok {
		s.buffers[execID] = &buffer{}
	}
}

func (s *Streamer) get(execID string) *buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffers[execID]
}

// Append adds a stdout/stderr chunk. Returns the assigned sequence
// number, or ok=false if the chunk was dropped for exceeding max_bytes.
// If max_chunks would be exceeded, the oldest output chunk (never a
// completion chunk) is evicted first and its size subtracted.
func (s *Streamer) Append(execID string, kind ChunkKind, data []byte) (seq int64, ok bool) {
	if len(data) == 0 {
		return 0, false
	}
	b := s.get(execID)
	if b == nil {
		return 0, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.bufferedBytes+int64(len(data)) > s.maxBytes {
		return 0, false
	}

	if len(b.chunks) >= s.maxChunks {
		for i, c := range b.chunks {
			if c.Kind != KindCompletion {
				b.bufferedBytes -= int64(len(c.Data))
				b.chunks = append(b.chunks[:i], b.chunks[i+1:]...)
				break
			}
		}
	}

	seq = b.nextSeq
	b.nextSeq++
	b.chunks = append(b.chunks, Chunk{
		Seq:       seq,
		Kind:      kind,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	b.bufferedBytes += int64(len(data))
	return seq, true
}

// Complete appends the single terminal completion chunk and marks the
// exec done. Its sequence is always strictly greater than any prior
// output chunk's.
func (s *Streamer) Complete(execID string, exitCode int, usage types.ExecUsage) int64 {
	b := s.get(execID)
	if b == nil {
		b = &buffer{}
		s.mu.Lock()
		s.buffers[execID] = b
		s.mu.Unlock()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	seq := b.nextSeq
	b.nextSeq++
	b.chunks = append(b.chunks, Chunk{
		Seq:       seq,
		Kind:      KindCompletion,
		ExitCode:  exitCode,
		Usage:     usage,
		Timestamp: time.Now().UTC(),
	})
	b.complete = true
	b.completedAt = time.Now().UTC()
	return seq
}

// Poll returns every retained chunk with Seq > afterSeq (or all
// retained chunks if afterSeq is nil), in order, plus the current
// completion flag.
func (s *Streamer) Poll(execID string, afterSeq *int64) ([]Chunk, bool) {
	b := s.get(execID)
	if b == nil {
		return nil, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Chunk
	for _, c := range b.chunks {
		if afterSeq == nil || c.Seq > *afterSeq {
			out = append(out, c)
		}
	}
	return out, b.complete
}

// Stats returns a diagnostic snapshot of execID's buffer without
// consuming any chunks. The zero value (ok=false) is returned if no
// buffer is held for execID.
func (s *Streamer) Stats(execID string) (Stats, bool) {
	b := s.get(execID)
	if b == nil {
		return Stats{}, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		ChunkCount:    len(b.chunks),
		BufferedBytes: b.bufferedBytes,
		NextSeq:       b.nextSeq,
		Complete:      b.complete,
		CompletedAt:   b.completedAt,
	}, true
}

// Cleanup discards the buffer for execID. Called by exec retention once
// the underlying Exec row itself is deleted.
func (s *Streamer) Cleanup(execID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, execID)
}

// CleanupCompletedOlderThan sweeps every completed buffer whose
// completion timestamp predates maxAge and discards it, independently
// of whether its Exec row still exists in the durable store. Returns
// the number of buffers freed.
func (s *Streamer) CleanupCompletedOlderThan(maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	freed := 0
	for execID, b := range s.buffers {
		b.mu.Lock()
		stale := b.complete && b.completedAt.Before(cutoff)
		b.mu.Unlock()
		if stale {
			delete(s.buffers, execID)
			freed++
		}
	}
	return freed
}
