package log

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const defaultMaxBytes = 32 << 20 // 32 MiB

// topicFileWriter appends only topic-tagged events to a log file and rotates
// the file in place once it grows past maxBytes. Rotation keeps a single
// predecessor as <name>.1 so operators can always read recent history.
type topicFileWriter struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	file     *os.File
	size     int64
}

func newTopicFileWriter(path string, maxBytes int64) (*topicFileWriter, error) {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open container log file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat container log file: %w", err)
	}

	return &topicFileWriter{
		path:     path,
		maxBytes: maxBytes,
		file:     f,
		size:     info.Size(),
	}, nil
}

// Write implements io.Writer. Events without a whitelisted topic are dropped.
func (w *topicFileWriter) Write(p []byte) (int, error) {
	if !hasFileTopic(p) {
		return len(p), nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size+int64(len(p)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return len(p), err
}

func (w *topicFileWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(w.path, w.path+".1"); err != nil && !os.IsNotExist(err) {
		return err
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.file = f
	w.size = 0
	return nil
}

// hasFileTopic inspects the serialized event for a whitelisted topic value.
// zerolog events are single-line JSON, so a substring scan is sufficient and
// avoids a full unmarshal on the hot path.
func hasFileTopic(p []byte) bool {
	for topic := range FileTopics {
		if bytes.Contains(p, []byte(`"topic":"`+topic+`"`)) {
			return true
		}
	}
	return false
}
