package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"m3u8get/internal/logger"
	"m3u8get/internal/models"
)

// Status is the lifecycle state of a segment within one download session.
type Status int

const (
	StatusPending Status = iota
	StatusInFlight
	StatusDownloaded
	StatusFailed
)

// String returns the status name for logs and the status endpoint.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "in_flight"
	case StatusDownloaded:
		return "downloaded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SegmentRecord is the mutable per-segment state. The store owns all records;
// callers receive copies.
type SegmentRecord struct {
	Descriptor models.SegmentDescriptor
	Status     Status
	// Path is the local file holding the segment bytes once Downloaded.
	Path string
	// Retries is the number of attempts consumed so far.
	Retries int
	// Err is the terminal failure reason when Status is StatusFailed.
	Err error
}

// Counts is a point-in-time summary of record states.
type Counts struct {
	Total      int
	Pending    int
	InFlight   int
	Downloaded int
	Failed     int
}

// SegmentStore is a thread-safe mapping from sequence number to
// SegmentRecord. The fetcher pool dispatches at most one in-flight attempt
// per sequence number, so each record has a single writer at a time;
// concurrent reads are permitted.
type SegmentStore struct {
	mutex   sync.RWMutex
	records map[uint64]*SegmentRecord
	logger  logger.Logger
	workDir string
}

// New creates a store placing segment files under workDir.
func New(log logger.Logger, workDir string) *SegmentStore {
	return &SegmentStore{
		records: make(map[uint64]*SegmentRecord),
		logger:  log,
		workDir: workDir,
	}
}

// SegmentPath returns the work-dir file that holds (or will hold) the bytes
// of the given sequence number.
func (s *SegmentStore) SegmentPath(seq uint64) string {
	return filepath.Join(s.workDir, fmt.Sprintf("segment_%05d.ts", seq))
}

// Upsert registers a descriptor, creating a Pending record for it. A segment
// file already present in the work dir from an earlier run is adopted as
// Downloaded so resumed runs skip re-fetching it. Returns true when the
// descriptor was new, false for a duplicate sequence number.
func (s *SegmentStore) Upsert(desc models.SegmentDescriptor) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.records[desc.Sequence]; exists {
		return false
	}

	rec := &SegmentRecord{Descriptor: desc, Status: StatusPending}
	path := s.SegmentPath(desc.Sequence)
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		rec.Status = StatusDownloaded
		rec.Path = path
		s.logger.Debugf("Adopted existing segment file for sequence %d: %s", desc.Sequence, path)
	}
	s.records[desc.Sequence] = rec
	return true
}

// MarkInFlight transitions a Pending record to InFlight.
func (s *SegmentStore) MarkInFlight(seq uint64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if rec, ok := s.records[seq]; ok {
		rec.Status = StatusInFlight
	}
}

// MarkDownloaded transitions a record to Downloaded with its on-disk path.
func (s *SegmentStore) MarkDownloaded(seq uint64, path string, retries int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if rec, ok := s.records[seq]; ok {
		rec.Status = StatusDownloaded
		rec.Path = path
		rec.Retries = retries
	}
}

// MarkFailed transitions a record to Failed with its terminal reason.
func (s *SegmentStore) MarkFailed(seq uint64, retries int, reason error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if rec, ok := s.records[seq]; ok {
		rec.Status = StatusFailed
		rec.Retries = retries
		rec.Err = reason
	}
}

// Record returns a copy of the record for seq.
func (s *SegmentStore) Record(seq uint64) (SegmentRecord, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	rec, ok := s.records[seq]
	if !ok {
		return SegmentRecord{}, false
	}
	return *rec, true
}

// PendingDescriptors returns the descriptors of all Pending records in
// ascending sequence order. This is the fetcher pool's dispatch order.
func (s *SegmentStore) PendingDescriptors() []models.SegmentDescriptor {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var descs []models.SegmentDescriptor
	for _, rec := range s.records {
		if rec.Status == StatusPending {
			descs = append(descs, rec.Descriptor)
		}
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].Sequence < descs[j].Sequence })
	return descs
}

// AllDownloaded reports whether every known record is Downloaded.
func (s *SegmentStore) AllDownloaded() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	for _, rec := range s.records {
		if rec.Status != StatusDownloaded {
			return false
		}
	}
	return len(s.records) > 0
}

// OrderedPaths returns every segment path in ascending sequence order, or an
// error naming the first sequence number that is not Downloaded.
func (s *SegmentStore) OrderedPaths() ([]string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	seqs := make([]uint64, 0, len(s.records))
	for seq := range s.records {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	paths := make([]string, 0, len(seqs))
	for _, seq := range seqs {
		rec := s.records[seq]
		if rec.Status != StatusDownloaded {
			return nil, fmt.Errorf("segment %d is %s, not downloaded", seq, rec.Status)
		}
		paths = append(paths, rec.Path)
	}
	return paths, nil
}

// Counts returns a snapshot of record state tallies.
func (s *SegmentStore) Counts() Counts {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	c := Counts{Total: len(s.records)}
	for _, rec := range s.records {
		switch rec.Status {
		case StatusPending:
			c.Pending++
		case StatusInFlight:
			c.InFlight++
		case StatusDownloaded:
			c.Downloaded++
		case StatusFailed:
			c.Failed++
		}
	}
	return c
}

// FailedSequences returns the sequence numbers of all Failed records in
// ascending order.
func (s *SegmentStore) FailedSequences() []uint64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var seqs []uint64
	for seq, rec := range s.records {
		if rec.Status == StatusFailed {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}

// Cleanup removes all segment files. Called only after a successful merge;
// a failed or cancelled run keeps its files so the next run can resume.
func (s *SegmentStore) Cleanup() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	removed := 0
	for _, rec := range s.records {
		if rec.Path == "" {
			continue
		}
		if err := os.Remove(rec.Path); err == nil {
			removed++
		}
	}
	s.logger.Infof("Removed %d segment files from %s", removed, s.workDir)
}
