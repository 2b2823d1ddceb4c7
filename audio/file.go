package audio

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileRenderer writes every clip to its own raw PCM16LE file named
// clip-<seq>.pcm in a directory. The sample rate is not stored.
type FileRenderer struct {
	dir string
	mu  sync.Mutex
	seq int
}

// NewFileRenderer creates dir if needed and returns a renderer writing into it.
func NewFileRenderer(dir string) (*FileRenderer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	return &FileRenderer{dir: dir}, nil
}

// Render implements Renderer.
func (r *FileRenderer) Render(samples []float32, sampleRate int) error {
	r.mu.Lock()
	r.seq++
	name := filepath.Join(r.dir, fmt.Sprintf("clip-%04d.pcm", r.seq))
	r.mu.Unlock()

	if err := os.WriteFile(name, PCM16ToBytes(FloatToPCM16(samples)), 0o644); err != nil {
		return fmt.Errorf("write clip: %w", err)
	}
	return nil
}

// Written returns how many clips have been rendered.
func (r *FileRenderer) Written() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Dir returns the output directory.
func (r *FileRenderer) Dir() string {
	return r.dir
}

// ReadPCMFile loads a raw PCM16LE file.
func ReadPCMFile(path string) ([]int16, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pcm file: %w", err)
	}
	return BytesToPCM16(data), nil
}
