package revdb

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

type StorageKind string

const (
	BoltStorage   StorageKind = "bolt"
	FileStorage   StorageKind = "file"
	MemoryStorage StorageKind = "memory"
)

const (
	configFileName   = "resource.json"
	boltFileName     = "resource.db"
	sentinelFileName = ".commit"
	indexesDirName   = "indexes"

	defaultRevisionsToRestore = 4
	defaultMaxReaders         = 64
	defaultPageCacheSize      = 4096
)

// ResourceConfig is persisted in resource.json when a resource is created.
// Versioning and Storage cannot change afterwards.
type ResourceConfig struct {
	Versioning         VersioningKind `json:"versioning"`
	RevisionsToRestore int            `json:"revisions_to_restore"`
	Compression        Compression    `json:"compression"`
	Storage            StorageKind    `json:"storage"`

	// MaxReaders bounds concurrently open read transactions.
	MaxReaders int `json:"max_readers"`
	// PageCacheSize is the number of decoded pages kept in memory; negative disables caching.
	PageCacheSize int `json:"page_cache_size"`
}

func (c *ResourceConfig) applyDefaults() {
	if c.Versioning == "" {
		c.Versioning = SlidingSnapshotVersioning
	}
	if c.RevisionsToRestore == 0 {
		c.RevisionsToRestore = defaultRevisionsToRestore
	}
	if c.Compression == "" {
		c.Compression = NoCompression
	}
	if c.Storage == "" {
		c.Storage = BoltStorage
	}
	if c.MaxReaders == 0 {
		c.MaxReaders = defaultMaxReaders
	}
	if c.PageCacheSize == 0 {
		c.PageCacheSize = defaultPageCacheSize
	}
}

func (c *ResourceConfig) validate() error {
	if _, err := newVersioning(c.Versioning, c.RevisionsToRestore); err != nil {
		return err
	}
	if !c.Compression.Valid() {
		return fmt.Errorf("invalid compression %q", c.Compression)
	}
	switch c.Storage {
	case BoltStorage, FileStorage, MemoryStorage:
	default:
		return fmt.Errorf("invalid storage %q", c.Storage)
	}
	if c.MaxReaders < 1 {
		return fmt.Errorf("invalid max_readers %d", c.MaxReaders)
	}
	return nil
}

// loadResourceConfig returns ok == false if dir has no resource.
func loadResourceConfig(dir string) (*ResourceConfig, bool, error) {
	raw, err := os.ReadFile(filepath.Join(dir, configFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	var cfg ResourceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, false, dataErrf(raw, 0, err, "invalid %s", configFileName)
	}
	cfg.applyDefaults()
	return &cfg, true, nil
}

func saveResourceConfig(dir string, cfg *ResourceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, configFileName), raw)
}

// writeFileAtomic writes to a temporary file and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// Options are runtime settings that are not persisted with the resource.
type Options struct {
	Logger    *slog.Logger
	Verbose   bool
	IsTesting bool
	MmapSize  int

	// Now stamps committed revisions; defaults to time.Now.
	Now func() time.Time
	// User is recorded on committed revisions unless WriteOptions overrides it.
	User User

	// OnRecover is called after a resource that was interrupted mid-commit
	// has been truncated to its last durable revision.
	OnRecover func(lastRevision int)

	wrapStore func(blockStore) blockStore
}

func (o *Options) applyDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}
