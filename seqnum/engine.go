// Package seqnum implements C3: one shard of the sequence-number service.
// Each Engine owns a disjoint subset of conversation keys (the directory
// decides which shard a conversation belongs to) and hands out strictly
// increasing, durable sequence numbers for them, backed by an append-only
// log with periodic compaction, per SPEC_FULL.md §4.3/§4.3.1.
package seqnum

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/prim-im/corechat/internal/log"
	"github.com/prim-im/corechat/internal/worker"
	"github.com/prim-im/corechat/message"
)

var logger = log.New("seqnum")

// MaxSegmentBytes bounds a single append-log file before it is rolled and
// queued for background compaction (spec's MAX_FILE_SIZE knob). It is a
// compile-time constant: Open takes no segment-size setting, and the
// config's seqnum.max_segment_bytes value is not read by the engine.
const MaxSegmentBytes = 64 << 20

type writeReq struct {
	key    message.ConvKey
	seqnum uint64
	done   chan error
}

// Engine is a single sharded sequence-number keeper: an in-memory
// conversation_key->counter map, replayed from and kept durable by an
// append-only log of fixed 24-byte records.
type Engine struct {
	worker.Worker

	dir string

	mu       sync.RWMutex
	counters map[message.ConvKey]*uint64

	writes  chan writeReq
	segMu   sync.Mutex
	seg     *segment
	segID   uint64
	pending int32 // a compaction is already in flight for the previous segment

	snapshot *snapshotStore // optional bbolt warm-start cache; advisory only
}

// Open loads dir's append log (and, if present, its bbolt snapshot) into
// memory and starts the Engine's serializing writer goroutine. dir is
// created if it does not exist.
func Open(dir string) (*Engine, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("seqnum: create append dir: %w", err)
	}

	e := &Engine{
		dir:      dir,
		counters: make(map[message.ConvKey]*uint64),
		writes:   make(chan writeReq, 4096),
	}

	merged := make(map[message.ConvKey]uint64)

	var watermark uint64
	snap, err := openSnapshotStore(dir)
	if err != nil {
		logger.Warningf("seqnum: snapshot unavailable, falling back to full replay: %v", err)
	} else {
		e.snapshot = snap
		if err := snap.loadInto(merged); err != nil {
			logger.Warningf("seqnum: snapshot read failed, falling back to full replay: %v", err)
			merged = make(map[message.ConvKey]uint64)
		} else {
			watermark = snap.watermark()
		}
	}

	ids, err := listSegmentIDs(dir)
	if err != nil {
		return nil, fmt.Errorf("seqnum: list segments: %w", err)
	}
	for _, id := range ids {
		if id >= e.segID {
			e.segID = id + 1
		}
		// Segments below the watermark already had their final per-key max
		// folded into merged by loadInto above; replaying them again would
		// be redundant (max-merge is idempotent either way, so skipping is
		// only a replay-time optimization, never a correctness requirement).
		if id < watermark {
			continue
		}
		if err := replaySegment(segmentPath(dir, id), merged); err != nil {
			return nil, fmt.Errorf("seqnum: replay segment %d: %w", id, err)
		}
	}
	for key, seqnum := range merged {
		v := seqnum
		e.counters[key] = &v
	}

	seg, err := openSegment(dir, e.segID)
	if err != nil {
		return nil, fmt.Errorf("seqnum: open segment: %w", err)
	}
	e.segID++
	e.seg = seg

	if e.snapshot != nil {
		// Every segment that existed at startup (everything below the newly
		// opened, empty segment, id e.segID-1) is now fully folded into
		// merged; commit it and advance the watermark to that segment so the
		// next restart skips all of them but still replays this one.
		if err := e.snapshot.commitWatermark(merged, e.segID-1); err != nil {
			logger.Warningf("seqnum: commit snapshot watermark: %v", err)
		}
	}

	e.Go(e.writeLoop)
	return e, nil
}

// Next assigns and durably logs the next sequence number for key, blocking
// until the record has been written and fsynced (spec P4: a crash after
// Next returns must never lose or duplicate the assignment).
func (e *Engine) Next(ctx context.Context, key message.ConvKey) (uint64, error) {
	ptr := e.counterFor(key)
	seqnum := atomic.AddUint64(ptr, 1)

	done := make(chan error, 1)
	req := writeReq{key: key, seqnum: seqnum, done: done}
	select {
	case e.writes <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-e.HaltCh():
		return 0, fmt.Errorf("seqnum: engine closed")
	}

	select {
	case err := <-done:
		if err != nil {
			return 0, err
		}
		if e.snapshot != nil {
			e.snapshot.noteAsync(key, seqnum)
		}
		return seqnum, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Current returns the last-assigned seqnum for key without advancing it,
// or 0 if key has never been assigned one.
func (e *Engine) Current(key message.ConvKey) uint64 {
	e.mu.RLock()
	ptr, ok := e.counters[key]
	e.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadUint64(ptr)
}

func (e *Engine) counterFor(key message.ConvKey) *uint64 {
	e.mu.RLock()
	ptr, ok := e.counters[key]
	e.mu.RUnlock()
	if ok {
		return ptr
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if ptr, ok := e.counters[key]; ok {
		return ptr
	}
	ptr = new(uint64)
	e.counters[key] = ptr
	return ptr
}

// writeLoop is the single writer of the current segment file: serializing
// all appends through one goroutine means no two goroutines ever
// interleave partial records, the same guarantee a per-connection sending
// mutex gives a framed writer elsewhere in this codebase.
func (e *Engine) writeLoop() {
	buf := make([]byte, recordLen)
	for {
		select {
		case req := <-e.writes:
			encodeRecord(req.key, req.seqnum, buf)
			size, err := e.seg.append(buf)
			req.done <- err
			if err == nil && size > MaxSegmentBytes {
				e.rollSegment()
			}
		case <-e.HaltCh():
			return
		}
	}
}

// rollSegment closes the current segment, opens a new one, and kicks off
// background compaction of the old one (original: "compact-then-delete").
func (e *Engine) rollSegment() {
	old := e.seg
	oldPath := old.path

	e.segMu.Lock()
	id := e.segID
	e.segID++
	e.segMu.Unlock()

	newSeg, err := openSegment(e.dir, id)
	if err != nil {
		logger.Errorf("seqnum: roll segment: open new segment: %v", err)
		return
	}
	e.seg = newSeg

	if !atomic.CompareAndSwapInt32(&e.pending, 0, 1) {
		// A previous compaction is still running; skip this round rather
		// than pile up concurrent compactions of the same directory.
		old.close()
		return
	}
	go func() {
		defer atomic.StoreInt32(&e.pending, 0)
		old.close()
		if err := compactSegment(oldPath); err != nil {
			logger.Errorf("seqnum: compact segment %s: %v", oldPath, err)
		}
	}()
}

// Close stops the writer goroutine and closes open files.
func (e *Engine) Close() error {
	e.Halt()
	e.Wait()
	err := e.seg.close()
	if e.snapshot != nil {
		if serr := e.snapshot.Close(); serr != nil && err == nil {
			err = serr
		}
	}
	return err
}
