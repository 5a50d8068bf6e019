package seqnum

import (
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/prim-im/corechat/message"
)

// snapshotBucket holds one key/value pair per conversation key, value the
// 8-byte big-endian seqnum last known at snapshot time.
var snapshotBucket = []byte("seqnum")

// metaBucket holds the snapshot's watermark: the id of the oldest segment
// still worth replaying. Every segment strictly below it has already had
// its final per-key max folded into snapshotBucket, so Open can skip it.
var metaBucket = []byte("meta")
var watermarkKey = []byte("watermark")

// snapshotStore is the advisory, bbolt-backed warm-start cache described in
// SPEC_FULL.md §4.3.1: it shortcuts Open's full append-log replay when
// present and consistent, but it is never the source of truth — a replay
// always still runs over any segments newer than the snapshot, and a
// missing/corrupt snapshot file simply falls back to full replay.
type snapshotStore struct {
	db *bolt.DB

	mu      sync.Mutex
	dirty   map[message.ConvKey]uint64
	flushCh chan struct{}

	closed chan struct{}
	once   sync.Once
}

func openSnapshotStore(dir string) (*snapshotStore, error) {
	db, err := bolt.Open(filepath.Join(dir, "seqnum-snapshot.bolt"), 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(snapshotBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	s := &snapshotStore{
		db:      db,
		dirty:   make(map[message.ConvKey]uint64),
		flushCh: make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

func (s *snapshotStore) loadInto(into map[message.ConvKey]uint64) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotBucket)
		return b.ForEach(func(k, v []byte) error {
			if len(k) != 16 || len(v) != 8 {
				return nil
			}
			var kb [16]byte
			copy(kb[:], k)
			key := message.ConvKeyFromBytes(kb)
			seqnum, _ := decodeSnapshotValue(v)
			if cur, ok := into[key]; !ok || seqnum > cur {
				into[key] = seqnum
			}
			return nil
		})
	})
}

// noteAsync records seqnum as the latest known value for key, to be
// flushed to bbolt in the background. It never blocks the caller and
// never affects correctness if lost (the append log remains authoritative).
func (s *snapshotStore) noteAsync(key message.ConvKey, seqnum uint64) {
	s.mu.Lock()
	s.dirty[key] = seqnum
	s.mu.Unlock()
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

func (s *snapshotStore) flushLoop() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.flushCh:
		case <-ticker.C:
		case <-s.closed:
			s.flush()
			return
		}
		s.flush()
	}
}

func (s *snapshotStore) flush() {
	s.mu.Lock()
	if len(s.dirty) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.dirty
	s.dirty = make(map[message.ConvKey]uint64)
	s.mu.Unlock()

	_ = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotBucket)
		for key, seqnum := range batch {
			kb := key.Bytes()
			if err := b.Put(kb[:], encodeSnapshotValue(seqnum)); err != nil {
				return err
			}
		}
		return nil
	})
}

// watermark returns the id of the oldest segment Open still needs to
// replay, or 0 if no watermark has been recorded yet (replay everything).
func (s *snapshotStore) watermark() uint64 {
	var wm uint64
	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(watermarkKey)
		wm, _ = decodeSnapshotValue(v)
		return nil
	})
	return wm
}

// commitWatermark writes merged's full per-key state and advances the
// watermark to newWatermark in one transaction, so a crash between the two
// writes can never leave a watermark that claims coverage the snapshot
// doesn't actually have. Called once at the end of Open, after a full
// replay of every segment below newWatermark has already happened.
func (s *snapshotStore) commitWatermark(merged map[message.ConvKey]uint64, newWatermark uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotBucket)
		for key, seqnum := range merged {
			kb := key.Bytes()
			if err := b.Put(kb[:], encodeSnapshotValue(seqnum)); err != nil {
				return err
			}
		}
		return tx.Bucket(metaBucket).Put(watermarkKey, encodeSnapshotValue(newWatermark))
	})
}

func (s *snapshotStore) Close() error {
	s.once.Do(func() { close(s.closed) })
	return s.db.Close()
}

func encodeSnapshotValue(seqnum uint64) []byte {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[7-i] = byte(seqnum >> (8 * i))
	}
	return buf
}

func decodeSnapshotValue(buf []byte) (uint64, bool) {
	if len(buf) != 8 {
		return 0, false
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(buf[i])
	}
	return v, true
}
