package fs

import (
	"context"

	"github.com/pvliesdonk/mcp-devbench/pkg/types"
)

// OpType names one operation inside a Batch.
type OpType string

const (
	OpRead   OpType = "read"
	OpWrite  OpType = "write"
	OpDelete OpType = "delete"
	OpMove   OpType = "move"
	OpCopy   OpType = "copy"
)

// Op is one step of a Batch: fields not meaningful to Type are ignored.
type Op struct {
	Type        OpType
	Path        string
	Dest        string // Move, Copy
	Data        []byte // Write
	IfMatchETag string // Write
}

// OpResult is the outcome of a single batch step.
type OpResult struct {
	Path  string
	ETag  string
	Data  []byte
	Error error
}

// BatchResult is the outcome of a whole Batch call.
type BatchResult struct {
	Results           []OpResult
	FailedIndex       int // -1 if every op succeeded
	RollbackPerformed bool
}

type journalEntry struct {
	path    string
	content []byte // nil means the file did not exist before this op
	existed bool
}

// Batch executes ops sequentially, validating every path and every
// if_match_etag precondition up front, and rolling back every mutation
// performed so far if any operation fails mid-sequence.
func (m *Manager) Batch(ctx context.Context, runtimeID string, ops []Op) (BatchResult, error) {
	cleaned := make([]string, len(ops))
	for i, op := range ops {
		clean, err := normalize(op.Path)
		if err != nil {
			return BatchResult{}, err
		}
		cleaned[i] = clean
		if op.Type == OpMove || op.Type == OpCopy {
			if _, err := normalize(op.Dest); err != nil {
				return BatchResult{}, err
			}
		}
	}

	for i, op := range ops {
		if op.Type == OpWrite && op.IfMatchETag != "" {
			_, existing, readErr := m.Read(ctx, runtimeID, cleaned[i])
			if readErr == nil {
				current := existing.ETag
				if current != op.IfMatchETag {
					return BatchResult{}, types.NewFileConflict(op.Path, op.IfMatchETag, current)
				}
			}
		}
		if op.Type == OpDelete {
			if _, statErr := m.ra.StatPath(ctx, runtimeID, cleaned[i]); statErr != nil {
				return BatchResult{}, types.NewFileNotFound(op.Path)
			}
		}
	}

	var journal []journalEntry
	results := make([]OpResult, 0, len(ops))
	failedIndex := -1

	for i, op := range ops {
		before, existed := m.snapshot(ctx, runtimeID, cleaned[i])
		if op.Type == OpMove || op.Type == OpCopy {
			dest, _ := normalize(op.Dest)
			destBefore, destExisted := m.snapshot(ctx, runtimeID, dest)
			journal = append(journal, journalEntry{path: dest, content: destBefore, existed: destExisted})
		}

		res, err := m.applyOp(ctx, runtimeID, op, cleaned[i])
		if err != nil {
			results = append(results, OpResult{Path: op.Path, Error: err})
			failedIndex = i
			break
		}

		if op.Type == OpWrite || op.Type == OpDelete || op.Type == OpMove {
			entry := journalEntry{path: cleaned[i], existed: existed}
			if existed {
				entry.content = before
			}
			journal = append(journal, entry)
		}
		results = append(results, res)
	}

	if failedIndex == -1 {
		return BatchResult{Results: results, FailedIndex: -1}, nil
	}

	m.rollback(ctx, runtimeID, journal)
	return BatchResult{Results: results, FailedIndex: failedIndex, RollbackPerformed: true}, nil
}

func (m *Manager) snapshot(ctx context.Context, runtimeID, path string) ([]byte, bool) {
	data, _, err := m.Read(ctx, runtimeID, path)
	if err != nil {
		return nil, false
	}
	return data, true
}

func (m *Manager) applyOp(ctx context.Context, runtimeID string, op Op, clean string) (OpResult, error) {
	switch op.Type {
	case OpRead:
		data, _, err := m.Read(ctx, runtimeID, op.Path)
		if err != nil {
			return OpResult{}, err
		}
		return OpResult{Path: op.Path, Data: data, ETag: contentETag(data)}, nil
	case OpWrite:
		etag, err := m.Write(ctx, runtimeID, op.Path, op.Data, op.IfMatchETag)
		if err != nil {
			return OpResult{}, err
		}
		return OpResult{Path: op.Path, ETag: etag}, nil
	case OpDelete:
		if err := m.Delete(ctx, runtimeID, op.Path); err != nil {
			return OpResult{}, err
		}
		return OpResult{Path: op.Path}, nil
	case OpMove:
		data, _, err := m.Read(ctx, runtimeID, op.Path)
		if err != nil {
			return OpResult{}, err
		}
		if _, err := m.Write(ctx, runtimeID, op.Dest, data, ""); err != nil {
			return OpResult{}, err
		}
		if err := m.Delete(ctx, runtimeID, op.Path); err != nil {
			return OpResult{}, err
		}
		return OpResult{Path: op.Dest, ETag: contentETag(data)}, nil
	case OpCopy:
		data, _, err := m.Read(ctx, runtimeID, op.Path)
		if err != nil {
			return OpResult{}, err
		}
		etag, err := m.Write(ctx, runtimeID, op.Dest, data, "")
		if err != nil {
			return OpResult{}, err
		}
		return OpResult{Path: op.Dest, ETag: etag}, nil
	default:
		return OpResult{}, types.NewValidationError(op.Path, "unknown batch op type")
	}
}

// rollback replays the journal in reverse: entries that existed before
// their op are restored, entries that did not are deleted. Rollback is
// best-effort; failures are logged, not surfaced.
func (m *Manager) rollback(ctx context.Context, runtimeID string, journal []journalEntry) {
	for i := len(journal) - 1; i >= 0; i-- {
		entry := journal[i]
		if entry.existed {
			if _, err := m.Write(ctx, runtimeID, entry.path, entry.content, ""); err != nil {
				m.logger.Error().Err(err).Str("path", entry.path).Msg("batch rollback: failed to restore file")
			}
		} else {
			if err := m.Delete(ctx, runtimeID, entry.path); err != nil {
				m.logger.Error().Err(err).Str("path", entry.path).Msg("batch rollback: failed to delete file")
			}
		}
	}
}
