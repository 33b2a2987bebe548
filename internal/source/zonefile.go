// internal/source/zonefile.go
package source

import (
	"fmt"
	"os"
	"path/filepath"
)

// ZoneCache persists raw zone files, one per (country, family) pair.
// The files serve offline inspection and act as last-known-good data
// when a later fetch fails before the pair's set exists.
type ZoneCache struct {
	dir string
}

func NewZoneCache(dir string) *ZoneCache {
	return &ZoneCache{dir: dir}
}

func (z *ZoneCache) Path(country string, fam Family) string {
	return filepath.Join(z.dir, fmt.Sprintf("%s-%s.zone", country, fam))
}

// Write stores a zone file via temp-file-and-rename so a crashed write
// never leaves a truncated file behind.
func (z *ZoneCache) Write(country string, fam Family, raw []byte) error {
	if err := os.MkdirAll(z.dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	path := z.Path(country, fam)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write zone file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename zone file: %w", err)
	}
	return nil
}

// Read returns the cached zone file for a pair, or an error satisfying
// os.IsNotExist if none was ever written.
func (z *ZoneCache) Read(country string, fam Family) ([]byte, error) {
	return os.ReadFile(z.Path(country, fam))
}
