package simfeed

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// DecalLoader reads decal files from disk, relative to Root.
type DecalLoader struct {
	Root   string
	logger zerolog.Logger
}

func NewDecalLoader(root string, logger zerolog.Logger) *DecalLoader {
	return &DecalLoader{Root: root, logger: logger.With().Str("service", "decals").Logger()}
}

func (d *DecalLoader) Exists(path string) bool {
	info, err := os.Stat(d.resolve(path))
	return err == nil && !info.IsDir()
}

// Load reads the decal file and reports how many decal entries it holds.
// Blank lines and lines starting with # are skipped.
func (d *DecalLoader) Load(path string) error {
	f, err := os.Open(d.resolve(path))
	if err != nil {
		return fmt.Errorf("open decals: %w", err)
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read decals: %w", err)
	}
	d.logger.Info().Str("path", path).Int("decals", count).Msg("decals loaded")
	return nil
}

func (d *DecalLoader) resolve(path string) string {
	if d.Root == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(d.Root, path)
}
