package media

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// keepFiles are never swept.
var keepFiles = map[string]bool{"README.md": true, ".gitkeep": true}

// Sweep removes regular files older than maxAge from each directory and
// returns how many it deleted. Missing directories are skipped.
func Sweep(dirs []string, maxAge time.Duration, now time.Time) (int, error) {
	removed := 0
	var firstErr error
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("read %s: %w", dir, err)
			}
			continue
		}
		for _, e := range entries {
			if e.IsDir() || keepFiles[e.Name()] {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			if now.Sub(info.ModTime()) <= maxAge {
				continue
			}
			p := filepath.Join(dir, e.Name())
			if err := os.Remove(p); err != nil {
				log.Warn().Err(err).Str("path", p).Msg("Failed to remove aged file")
				continue
			}
			removed++
			log.Debug().Str("path", p).Msg("Removed aged file")
		}
	}
	return removed, firstErr
}
