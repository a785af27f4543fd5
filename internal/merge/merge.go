// Package merge concatenates downloaded transport-stream segments into a
// single output file, re-muxing through ffmpeg when the output container
// calls for it.
package merge

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"m3u8get/internal/logger"
)

// ErrorKind classifies merge failures. All of them are fatal to the run.
type ErrorKind int

const (
	// KindMissingSegment means an expected sequence number has no downloaded
	// segment file.
	KindMissingSegment ErrorKind = iota
	// KindIOError means reading a segment or writing the output failed.
	KindIOError
	// KindCorruptSegment means a segment failed its structural sanity check.
	KindCorruptSegment
)

// String returns the kind's name for logs and error text.
func (k ErrorKind) String() string {
	switch k {
	case KindMissingSegment:
		return "missing_segment"
	case KindIOError:
		return "io_error"
	case KindCorruptSegment:
		return "corrupt_segment"
	default:
		return "unknown"
	}
}

// Error is a merge failure with its classification attached.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("merge: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

const tsSyncByte = 0x47
const tsPacketSize = 188

// muxer writes segments into the output container. Each supported output
// format provides one implementation.
type muxer interface {
	// Append adds the next segment's bytes in sequence order.
	Append(segmentPath string) error
	// Close finalizes the output file.
	Close() error
	// Abort discards whatever was written so far.
	Abort()
}

// Engine merges an ordered list of segment files into one output file.
type Engine struct {
	logger logger.Logger
	// FFmpegPath overrides the ffmpeg binary used for re-muxing. Empty means
	// look up "ffmpeg" on PATH; when that fails, the engine falls back to
	// plain concatenation.
	FFmpegPath string
}

// NewEngine creates a merge engine.
func NewEngine(log logger.Logger) *Engine {
	return &Engine{logger: log}
}

// Merge concatenates the segment files at orderedPaths into outputPath. The
// caller supplies paths in ascending sequence order; the output preserves
// that order regardless of the order the segments were downloaded in. On any
// failure the partial output file is removed.
func (e *Engine) Merge(orderedPaths []string, outputPath string) error {
	if len(orderedPaths) == 0 {
		return &Error{Kind: KindMissingSegment, Err: fmt.Errorf("no segments to merge")}
	}

	m, err := e.newMuxer(outputPath)
	if err != nil {
		return err
	}

	for _, path := range orderedPaths {
		if err := checkSegment(path); err != nil {
			m.Abort()
			return err
		}
		if err := m.Append(path); err != nil {
			m.Abort()
			return err
		}
	}

	if err := m.Close(); err != nil {
		m.Abort()
		return err
	}

	e.logger.Infof("Merged %d segments into %s", len(orderedPaths), outputPath)
	return nil
}

// newMuxer picks the output variant: plain concatenation for .ts targets,
// ffmpeg re-mux for any other container, with a concat fallback when ffmpeg
// is not installed (segments are valid TS either way; the file just keeps the
// transport-stream container).
func (e *Engine) newMuxer(outputPath string) (muxer, error) {
	if strings.EqualFold(filepath.Ext(outputPath), ".ts") {
		return newConcatMuxer(outputPath)
	}

	ffmpeg := e.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if _, err := exec.LookPath(ffmpeg); err != nil {
		e.logger.Warnf("ffmpeg not found, falling back to plain concatenation for %s", outputPath)
		return newConcatMuxer(outputPath)
	}
	return newRemuxMuxer(outputPath, ffmpeg), nil
}

// checkSegment is the structural sanity check applied before a segment is
// appended: it must be non-empty and start on valid TS sync bytes.
func checkSegment(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return &Error{Kind: KindMissingSegment, Err: fmt.Errorf("segment file %s: %w", path, err)}
	}
	defer f.Close()

	head := make([]byte, tsPacketSize+1)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return &Error{Kind: KindIOError, Err: fmt.Errorf("failed to read segment %s: %w", path, err)}
	}
	if n == 0 {
		return &Error{Kind: KindCorruptSegment, Err: fmt.Errorf("segment %s is empty", path)}
	}
	if head[0] != tsSyncByte {
		return &Error{Kind: KindCorruptSegment, Err: fmt.Errorf("segment %s has no TS sync byte", path)}
	}
	if n > tsPacketSize && head[tsPacketSize] != tsSyncByte {
		return &Error{Kind: KindCorruptSegment, Err: fmt.Errorf("segment %s loses TS sync after the first packet", path)}
	}
	return nil
}

// concatMuxer writes raw byte-stream concatenation. Valid for TS output since
// transport streams are self-synchronizing; discontinuity markers from the
// manifest are dropped and players resynchronize on the PCR.
type concatMuxer struct {
	out  *os.File
	path string
}

func newConcatMuxer(outputPath string) (muxer, error) {
	out, err := os.Create(outputPath)
	if err != nil {
		return nil, &Error{Kind: KindIOError, Err: fmt.Errorf("failed to create output %s: %w", outputPath, err)}
	}
	return &concatMuxer{out: out, path: outputPath}, nil
}

func (m *concatMuxer) Append(segmentPath string) error {
	in, err := os.Open(segmentPath)
	if err != nil {
		return &Error{Kind: KindIOError, Err: fmt.Errorf("failed to open segment %s: %w", segmentPath, err)}
	}
	defer in.Close()

	if _, err := io.Copy(m.out, in); err != nil {
		return &Error{Kind: KindIOError, Err: fmt.Errorf("failed to append segment %s: %w", segmentPath, err)}
	}
	return nil
}

func (m *concatMuxer) Close() error {
	if err := m.out.Close(); err != nil {
		return &Error{Kind: KindIOError, Err: fmt.Errorf("failed to close output %s: %w", m.path, err)}
	}
	return nil
}

func (m *concatMuxer) Abort() {
	m.out.Close()
	os.Remove(m.path)
}

// remuxMuxer collects the segment list and hands it to ffmpeg's concat
// demuxer with stream copy. ffmpeg renormalizes timestamps across segment
// boundaries, which keeps audio and video aligned over discontinuities.
type remuxMuxer struct {
	path     string
	ffmpeg   string
	segments []string
}

func newRemuxMuxer(outputPath, ffmpegPath string) muxer {
	return &remuxMuxer{path: outputPath, ffmpeg: ffmpegPath}
}

func (m *remuxMuxer) Append(segmentPath string) error {
	abs, err := filepath.Abs(segmentPath)
	if err != nil {
		return &Error{Kind: KindIOError, Err: fmt.Errorf("failed to resolve segment path %s: %w", segmentPath, err)}
	}
	m.segments = append(m.segments, abs)
	return nil
}

func (m *remuxMuxer) Close() error {
	list, err := os.CreateTemp(filepath.Dir(m.path), "filelist-*.txt")
	if err != nil {
		return &Error{Kind: KindIOError, Err: fmt.Errorf("failed to create concat list: %w", err)}
	}
	defer os.Remove(list.Name())

	for _, seg := range m.segments {
		// ffmpeg concat list syntax; forward slashes avoid Windows quoting issues.
		if _, err := fmt.Fprintf(list, "file '%s'\n", filepath.ToSlash(seg)); err != nil {
			list.Close()
			return &Error{Kind: KindIOError, Err: fmt.Errorf("failed to write concat list: %w", err)}
		}
	}
	if err := list.Close(); err != nil {
		return &Error{Kind: KindIOError, Err: fmt.Errorf("failed to close concat list: %w", err)}
	}

	cmd := exec.Command(m.ffmpeg,
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", list.Name(),
		"-c", "copy",
		m.path,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return &Error{Kind: KindIOError, Err: fmt.Errorf("ffmpeg failed: %w: %s", err, string(out))}
	}
	return nil
}

func (m *remuxMuxer) Abort() {
	os.Remove(m.path)
}
