package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// frameDir writes each screencast frame to its own numbered JPEG file.
type frameDir struct {
	dir string

	mu sync.Mutex
	n  int
}

func newFrameDir(dir string) (*frameDir, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create frame directory: %w", err)
	}
	return &frameDir{dir: dir}, nil
}

func (f *frameDir) WriteVideoFrame(frame []byte) error {
	f.mu.Lock()
	f.n++
	name := filepath.Join(f.dir, fmt.Sprintf("frame-%06d.jpg", f.n))
	f.mu.Unlock()
	return os.WriteFile(name, frame, 0o644)
}

func (f *frameDir) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}
