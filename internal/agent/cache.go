package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/inspectworks/fieldsync/internal/fieldsync"
)

const (
	cacheVersionFile = "version.json"
	cacheReportFile  = "last_flush.json"
)

// Cache keeps small artifacts the worker produces between runs: the
// installed worker version and the most recent flush report. A nil
// Cache disables all of it.
type Cache struct {
	dir string
}

func NewCache(dir string) *Cache {
	if dir == "" {
		return nil
	}
	return &Cache{dir: dir}
}

type cacheVersion struct {
	Version    string    `json:"version"`
	PreparedAt time.Time `json:"preparedAt"`
}

// StoredReport is a flush report with the time it was produced.
type StoredReport struct {
	Report    fieldsync.FlushReport `json:"report"`
	FlushedAt time.Time             `json:"flushedAt"`
}

// Prepare creates the cache directory and records the worker version.
// This is the install step; a failure here fails the install.
func (c *Cache) Prepare(version string, at time.Time) error {
	if c == nil {
		return nil
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("prepare agent cache: %w", err)
	}
	data, err := json.MarshalIndent(cacheVersion{Version: version, PreparedAt: at}, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(c.dir, cacheVersionFile), data)
}

// Version returns the version recorded by the last Prepare, or "" when
// the cache is empty.
func (c *Cache) Version() (string, error) {
	if c == nil {
		return "", nil
	}
	data, err := os.ReadFile(filepath.Join(c.dir, cacheVersionFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	var v cacheVersion
	if err := json.Unmarshal(data, &v); err != nil {
		return "", fmt.Errorf("decode agent cache version: %w", err)
	}
	return v.Version, nil
}

func (c *Cache) WriteReport(report fieldsync.FlushReport, at time.Time) error {
	if c == nil {
		return nil
	}
	data, err := json.MarshalIndent(StoredReport{Report: report, FlushedAt: at}, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(c.dir, cacheReportFile), data)
}

// LastReport returns the most recent stored flush report, or nil when
// none has been written yet.
func (c *Cache) LastReport() (*StoredReport, error) {
	if c == nil {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Join(c.dir, cacheReportFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var stored StoredReport
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("decode stored flush report: %w", err)
	}
	return &stored, nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
