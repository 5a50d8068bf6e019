package directory

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/prim-im/corechat/message"
)

// assignmentRecord is one persisted conversation_key->shard_id binding,
// stored in assignments.log as a sequence of concatenated cbor records
// (no separators), per SPEC_FULL.md §4.4.1. Unlike the seqnum append log
// (fixed 24-byte binary records), this log uses cbor to match the rest of
// the directory's on-the-wire ServerInfo encoding.
type assignmentRecord struct {
	Key     [16]byte `cbor:"key"`
	ShardID uint32   `cbor:"shard_id"`
}

// assignmentLog is an append-only, cbor-record log of conversation->shard
// placements, replayed at startup to restore Registry.shardOf.
type assignmentLog struct {
	mu sync.Mutex
	f  *os.File
}

func openAssignmentLog(dir string) (*assignmentLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "assignments.log"), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	return &assignmentLog{f: f}, nil
}

func (l *assignmentLog) append(key message.ConvKey, shardID uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf, err := cbor.Marshal(assignmentRecord{Key: key.Bytes(), ShardID: shardID})
	if err != nil {
		return err
	}
	if _, err := l.f.Write(buf); err != nil {
		return err
	}
	return l.f.Sync()
}

// replay decodes every cbor record in the log, in order, calling fn for
// each. A later record for the same key overrides an earlier one in fn's
// caller, matching the append-only "last write wins" semantics of a log
// that is never compacted.
func (l *assignmentLog) replay(fn func(key message.ConvKey, shardID uint32)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Seek(0, 0); err != nil {
		return err
	}
	dec := cbor.NewDecoder(l.f)
	for {
		var rec assignmentRecord
		if err := dec.Decode(&rec); err != nil {
			break
		}
		fn(message.ConvKeyFromBytes(rec.Key), rec.ShardID)
	}
	_, err := l.f.Seek(0, 2)
	return err
}

func (l *assignmentLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
