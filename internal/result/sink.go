package result

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bifrost-run/bifrost/internal/execution"
)

// Sink persists an execution's buffered log events and returns a
// reference recorded on the durable record as logs_ref.
type Sink interface {
	Flush(id execution.ID, lines [][]byte) (ref string, err error)
}

// FileSink writes one log file per execution under a directory.
type FileSink struct {
	dir string
}

func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: dir}
}

// Flush writes {dir}/{id}.log, one buffered event per line, and returns
// a file:// reference. Re-flushing the same execution overwrites.
func (s *FileSink) Flush(id execution.ID, lines [][]byte) (string, error) {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return "", fmt.Errorf("creating logs directory: %w", err)
	}

	path := filepath.Join(s.dir, string(id)+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("opening log file: %w", err)
	}
	defer func() { _ = f.Close() }()

	for _, line := range lines {
		if _, err := f.Write(append(line, '\n')); err != nil {
			return "", fmt.Errorf("writing log file: %w", err)
		}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return "file://" + abs, nil
}
