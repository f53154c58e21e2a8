package watch

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/ashita-ai/dirwatcher/internal/model"
)

// ListDirectory is the poll source. It lists the current entries of dir and
// synthesizes an added event for every visible file, whether or not the push
// source already reported it. Subdirectories and hidden entries are skipped.
func ListDirectory(dir string) ([]model.FileEvent, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("watch: resolve %s: %w", dir, err)
	}
	abs = filepath.Clean(abs)

	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("watch: list directory %s: %w", abs, err)
	}

	now := time.Now().UTC()
	events := make([]model.FileEvent, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if isHidden(name) || e.IsDir() {
			continue
		}
		if t := e.Type(); t != 0 && t&fs.ModeSymlink == 0 {
			continue // pipes, sockets, devices
		}
		events = append(events, model.FileEvent{
			Kind:       model.FileAdded,
			Path:       filepath.Join(abs, name),
			Name:       name,
			Source:     model.SourcePoll,
			ObservedAt: now,
		})
	}
	return events, nil
}
