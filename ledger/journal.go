package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cogcore/orchestrator/types"
)

// journalHeader is the first line of the journal file. Base is the global
// index of the first record the file still holds; everything before it has
// been subsumed by a snapshot and compacted away.
type journalHeader struct {
	V    int   `json:"v"`
	Base int64 `json:"base"`
}

// journalRecord is the on-disk shape of one Outcome, the append-only JSONL
// half of the feedback persistence interface. Field names and types are
// wire contract; renaming one breaks every existing log file.
type journalRecord struct {
	V            int      `json:"v"`
	Ts           int64    `json:"ts"`
	PlanID       string   `json:"planId"`
	Provider     string   `json:"provider"`
	Attempt      int      `json:"attempt"`
	Features     []string `json:"features"`
	Success      bool     `json:"success"`
	Rating       float64  `json:"rating"`
	LatencyMs    int64    `json:"latencyMs"`
	CostUsd      float64  `json:"costUsd"`
	QualityScore float64  `json:"qualityScore"`
	ErrorKind    *string  `json:"errorKind"`
}

func toRecord(o types.Outcome) journalRecord {
	rec := journalRecord{
		V:            1,
		Ts:           o.Timestamp.UnixMilli(),
		PlanID:       o.PlanID,
		Provider:     o.Provider,
		Attempt:      o.Attempt,
		Features:     strings.Split(o.FeatureKey, "/"),
		Success:      o.Success,
		Rating:       o.Rating,
		LatencyMs:    o.LatencyMs,
		CostUsd:      o.CostUsd,
		QualityScore: o.QualityScore,
	}
	if o.ErrorKind != "" {
		kind := string(o.ErrorKind)
		rec.ErrorKind = &kind
	}
	return rec
}

func (r journalRecord) toOutcome() types.Outcome {
	o := types.Outcome{
		PlanID:       r.PlanID,
		Provider:     r.Provider,
		Attempt:      r.Attempt,
		FeatureKey:   strings.Join(r.Features, "/"),
		Success:      r.Success,
		Rating:       r.Rating,
		LatencyMs:    r.LatencyMs,
		CostUsd:      r.CostUsd,
		QualityScore: r.QualityScore,
		Timestamp:    time.UnixMilli(r.Ts),
	}
	if r.ErrorKind != nil {
		o.ErrorKind = types.ErrorKind(*r.ErrorKind)
	}
	return o
}

// Journal is the append-only JSONL outcome log. Records carry a global,
// monotonically increasing index; a snapshot is tagged with the index it
// subsumes, and Compact drops everything below that tag without ever
// rewriting a surviving record.
type Journal struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	w      *bufio.Writer
	base   int64 // index of the first record still on disk
	offset int64 // index the next appended record will get
}

// OpenJournal opens (creating if necessary) the JSONL log at path and
// scans it to recover base and offset.
func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open outcome journal: %w", err)
	}

	j := &Journal{path: path, f: f}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	first := true
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if first {
			first = false
			var hdr journalHeader
			if err := json.Unmarshal(line, &hdr); err == nil && hdr.Base > 0 {
				j.base = hdr.Base
				j.offset = hdr.Base
				continue
			}
		}
		j.offset++
	}
	if err := sc.Err(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("scan outcome journal: %w", err)
	}

	if _, err := f.Seek(0, 2); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("seek outcome journal: %w", err)
	}
	j.w = bufio.NewWriter(f)
	return j, nil
}

// Append writes one outcome record and returns its index. Flushed through
// to the OS on every call: the journal is the durable half of the ledger,
// so buffering across appends would trade away exactly the property it
// exists to provide.
func (j *Journal) Append(o types.Outcome) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	line, err := json.Marshal(toRecord(o))
	if err != nil {
		return 0, fmt.Errorf("marshal outcome record: %w", err)
	}
	if _, err := j.w.Write(append(line, '\n')); err != nil {
		return 0, fmt.Errorf("append outcome record: %w", err)
	}
	if err := j.w.Flush(); err != nil {
		return 0, fmt.Errorf("flush outcome record: %w", err)
	}
	idx := j.offset
	j.offset++
	return idx, nil
}

// Offset returns the index the next appended record will receive, i.e. the
// number of records ever appended across all compactions.
func (j *Journal) Offset() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.offset
}

// ReplayFrom streams every record with index >= from, in append order.
// Used on startup to re-apply outcomes recorded after the last snapshot.
func (j *Journal) ReplayFrom(from int64, fn func(types.Outcome)) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.scanLocked(func(idx int64, rec journalRecord) {
		if idx >= from {
			fn(rec.toOutcome())
		}
	})
}

// Compact drops every record with index < upTo. Called after a snapshot
// tagged with upTo has been durably written; records past upTo survive
// byte-for-byte. A no-op when upTo is not past the current base.
func (j *Journal) Compact(upTo int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if upTo <= j.base {
		return nil
	}
	if upTo > j.offset {
		upTo = j.offset
	}

	tmpPath := j.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("compact journal: %w", err)
	}
	w := bufio.NewWriter(tmp)

	hdr, _ := json.Marshal(journalHeader{V: 1, Base: upTo})
	if _, err := w.Write(append(hdr, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("compact journal header: %w", err)
	}

	err = j.scanLocked(func(idx int64, rec journalRecord) {
		if idx < upTo {
			return
		}
		line, merr := json.Marshal(rec)
		if merr != nil {
			return
		}
		_, _ = w.Write(append(line, '\n'))
	})
	if err != nil {
		_ = tmp.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("compact journal flush: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("compact journal close: %w", err)
	}

	if err := j.f.Close(); err != nil {
		return fmt.Errorf("compact journal swap: %w", err)
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		return fmt.Errorf("compact journal rename: %w", err)
	}
	f, err := os.OpenFile(j.path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("reopen compacted journal: %w", err)
	}
	if _, err := f.Seek(0, 2); err != nil {
		_ = f.Close()
		return fmt.Errorf("seek compacted journal: %w", err)
	}
	j.f = f
	j.w = bufio.NewWriter(f)
	j.base = upTo
	return nil
}

// Close flushes and closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.w.Flush(); err != nil {
		return err
	}
	return j.f.Close()
}

// scanLocked reads the file front to back, calling fn with each record and
// its global index. Caller holds j.mu.
func (j *Journal) scanLocked(fn func(int64, journalRecord)) error {
	if err := j.w.Flush(); err != nil {
		return fmt.Errorf("flush before journal scan: %w", err)
	}
	if _, err := j.f.Seek(0, 0); err != nil {
		return fmt.Errorf("rewind journal: %w", err)
	}
	defer func() { _, _ = j.f.Seek(0, 2) }()

	sc := bufio.NewScanner(j.f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	idx := j.base
	first := true
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if first {
			first = false
			var hdr journalHeader
			if err := json.Unmarshal(line, &hdr); err == nil && hdr.Base > 0 {
				continue
			}
		}
		var rec journalRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue // torn tail write from a crash; skip, don't abort
		}
		fn(idx, rec)
		idx++
	}
	return sc.Err()
}
