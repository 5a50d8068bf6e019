package seqnum

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/prim-im/corechat/message"
)

// recordLen is the fixed size of one append-log record: a 16-byte
// big-endian conversation key followed by an 8-byte big-endian seqnum,
// per SPEC_FULL.md §4.3.1 (the binary encoding chosen over the original's
// ASCII one for this port, fixed and never revisited).
const recordLen = 24

const segmentPrefix = "seqnum-"
const segmentSuffix = ".log"

func encodeRecord(key message.ConvKey, seqnum uint64, buf []byte) {
	kb := key.Bytes()
	copy(buf[0:16], kb[:])
	binary.BigEndian.PutUint64(buf[16:24], seqnum)
}

func decodeRecord(buf []byte) (message.ConvKey, uint64) {
	var kb [16]byte
	copy(kb[:], buf[0:16])
	return message.ConvKeyFromBytes(kb), binary.BigEndian.Uint64(buf[16:24])
}

// segment is one append-only log file and its current size; the id of the
// next segment is tracked by Engine.segID.
type segment struct {
	mu   sync.Mutex
	path string
	f    *os.File
	size int64
}

func segmentPath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s%d%s", segmentPrefix, id, segmentSuffix))
}

func openSegment(dir string, id uint64) (*segment, error) {
	path := segmentPath(dir, id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &segment{path: path, f: f, size: info.Size()}, nil
}

func (s *segment) append(buf []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.f.Write(buf)
	if err != nil {
		return s.size, err
	}
	if err := s.f.Sync(); err != nil {
		return s.size, err
	}
	s.size += int64(n)
	return s.size, nil
}

func (s *segment) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// listSegmentIDs returns every "seqnum-<id>.log" file's id in dir, sorted.
func listSegmentIDs(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		idStr := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// replaySegment reads every record in the segment at path, folding each
// key into the max seen for that key (spec §4.3.1: "max wins" merge,
// since an engine only ever appends a strictly increasing seqnum per key
// except across a crash/restart race, which this resolves conservatively).
func replaySegment(path string, into map[message.ConvKey]uint64) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, recordLen)
	for {
		_, err := readFull(f, buf)
		if err != nil {
			break
		}
		key, seqnum := decodeRecord(buf)
		if cur, ok := into[key]; !ok || seqnum > cur {
			into[key] = seqnum
		}
	}
	return nil
}

func readFull(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// compactSegment rewrites path to hold one record per key (its max value),
// replacing the original file via a rename of a temporary copy. It runs in
// the background after a segment is rolled off, per the original's
// "compact-then-delete" shape (server/seqnum/src/persistence/mod.rs).
func compactSegment(path string) error {
	merged := make(map[message.ConvKey]uint64)
	if err := replaySegment(path, merged); err != nil {
		return err
	}
	tmp := path + ".compact"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	buf := make([]byte, recordLen)
	for key, seqnum := range merged {
		encodeRecord(key, seqnum, buf)
		if _, err := f.Write(buf); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
