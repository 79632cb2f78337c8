package services

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// DirPlayer is a playback sink that spools synthesized audio to a directory, where an external
// player process picks it up. Device-level playback stays outside this system.
type DirPlayer struct {
	dir string
}

// NewDirPlayer creates the spool directory if needed.
func NewDirPlayer(dir string) (DirPlayer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return DirPlayer{}, fmt.Errorf("failed to create audio spool dir: %w", err)
	}
	return DirPlayer{dir: dir}, nil
}

// Play writes the raw audio bytes as a uniquely named file in the spool directory.
func (p DirPlayer) Play(audio []byte) error {
	name := fmt.Sprintf("%d-%s.mp3", time.Now().UnixMilli(), uuid.New().String())
	if err := os.WriteFile(filepath.Join(p.dir, name), audio, 0644); err != nil {
		return fmt.Errorf("failed to write audio file: %w", err)
	}
	return nil
}
