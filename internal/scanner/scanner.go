// Package scanner counts occurrences of a literal pattern in a file's text.
//
// Scanning is stateless and has no side effects beyond reading the file.
// Failures are classified so callers can tell a file that vanished between
// event delivery and processing (NotFound) from one that could not be read
// as text (ReadFailure). Neither is fatal to a task run.
package scanner

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"unicode/utf8"
)

// DefaultMaxBytes is the largest file Scan will read when no limit is configured.
const DefaultMaxBytes int64 = 32 << 20

// ErrEmptyPattern is returned when Scan is called with an empty pattern.
var ErrEmptyPattern = errors.New("scanner: empty pattern")

// Kind classifies a scan failure.
type Kind int

const (
	// NotFound means the path no longer exists.
	NotFound Kind = iota + 1
	// ReadFailure covers permission errors, non-regular files, oversized
	// files, and content that is not valid UTF-8 text.
	ReadFailure
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case ReadFailure:
		return "read_failure"
	default:
		return "unknown"
	}
}

// Error is the typed failure returned by Scan.
type Error struct {
	Kind Kind
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("scanner: %s %s: %v", e.Kind, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a scan failure caused by a missing file.
func IsNotFound(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == NotFound
}

// Scanner counts pattern occurrences. The zero value uses DefaultMaxBytes.
type Scanner struct {
	MaxBytes int64
}

// New returns a Scanner that refuses files larger than maxBytes.
// A non-positive maxBytes selects DefaultMaxBytes.
func New(maxBytes int64) *Scanner {
	return &Scanner{MaxBytes: maxBytes}
}

// Scan returns the number of non-overlapping, case-sensitive occurrences of
// pattern in the file at path.
func Scan(path, pattern string) (int64, error) {
	return (&Scanner{}).Scan(path, pattern)
}

// Scan returns the number of non-overlapping, case-sensitive occurrences of
// pattern in the file at path.
func (s *Scanner) Scan(path, pattern string) (int64, error) {
	if pattern == "" {
		return 0, ErrEmptyPattern
	}

	f, err := os.Open(path) //nolint:gosec // path comes from the monitored directory
	if err != nil {
		return 0, classify(path, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return 0, classify(path, err)
	}
	if !info.Mode().IsRegular() {
		return 0, &Error{Kind: ReadFailure, Path: path, Err: fmt.Errorf("not a regular file (%s)", info.Mode().Type())}
	}

	limit := s.maxBytes()
	if info.Size() > limit {
		return 0, &Error{Kind: ReadFailure, Path: path, Err: fmt.Errorf("file size %d exceeds limit %d", info.Size(), limit)}
	}

	// Read one byte past the limit so growth after Stat is still caught.
	content, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return 0, classify(path, err)
	}
	if int64(len(content)) > limit {
		return 0, &Error{Kind: ReadFailure, Path: path, Err: fmt.Errorf("file exceeds limit %d", limit)}
	}
	if bytes.IndexByte(content, 0) >= 0 {
		return 0, &Error{Kind: ReadFailure, Path: path, Err: errors.New("binary content")}
	}
	if !utf8.Valid(content) {
		return 0, &Error{Kind: ReadFailure, Path: path, Err: errors.New("invalid UTF-8 encoding")}
	}

	return int64(bytes.Count(content, []byte(pattern))), nil
}

func (s *Scanner) maxBytes() int64 {
	if s == nil || s.MaxBytes <= 0 {
		return DefaultMaxBytes
	}
	return s.MaxBytes
}

func classify(path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return &Error{Kind: NotFound, Path: path, Err: err}
	}
	return &Error{Kind: ReadFailure, Path: path, Err: err}
}
