package capture

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
)

// Sink persists a captured payload.
type Sink interface {
	Write(path string, data []byte) error
}

// FileSink writes files atomically: the bytes land in a temporary file next to
// the destination which is then renamed over it.
type FileSink struct {
	dirMode os.FileMode
	// source exists so tests can inject a failing reader.
	source func([]byte) io.Reader
}

func NewFileSink() *FileSink {
	return &FileSink{
		dirMode: 0o755,
		source:  func(b []byte) io.Reader { return bytes.NewReader(b) },
	}
}

func (s *FileSink) Write(path string, data []byte) error {
	if len(data) == 0 {
		return &IOError{Path: path, Err: ErrEmptyCapture}
	}
	if err := os.MkdirAll(filepath.Dir(path), s.dirMode); err != nil {
		return &IOError{Path: path, Err: fmt.Errorf("create directory: %w", err)}
	}
	if err := atomic.WriteFile(path, s.source(data)); err != nil {
		return &IOError{Path: path, Err: err}
	}
	return nil
}
