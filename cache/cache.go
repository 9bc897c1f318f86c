// Package cache implements the content-addressed build cache used to compile kernels at most once.
//
// Entries live in <root>/cache/<hash>/, where hash is derived from the source content and the build options. An
// entry holds the source (when it was given as a string), the translated source (when a translation step ran),
// the compiled artifact (BinaryFile) and the kernel metadata (MetadataFile).
//
// Populating an entry is arbitrated by a Coordinator, by default a FileCoordinator keeping its lock files in
// <root>/locks, so concurrent builders (goroutines or processes) never duplicate the work and never read
// partial entries.
package cache

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"
)

const (
	// DirEnv is the name of the environment variable with the root directory of the cache.
	// If not set, a "occa" directory under os.UserCacheDir is used.
	DirEnv = "OCCA_CACHE_DIR"

	// BinaryFile is the conventional name of the compiled artifact in an entry.
	BinaryFile = "binary"

	// LauncherBinaryFile is the artifact of the reference build of kernels with nested kernels.
	LauncherBinaryFile = "launcher.binary"

	// MetadataFile holds the kernel metadata of an entry.
	MetadataFile = "metadata.json"

	// TranslatedFile is the output of the translation step.
	TranslatedFile = "translated_source"

	entriesDir = "cache"
	locksDir   = "locks"
)

// Cache is a build cache rooted in a directory.
type Cache struct {
	root        string
	coordinator Coordinator
}

// New creates a Cache rooted at root. If coordinator is nil a FileCoordinator in <root>/locks is used.
func New(root string, coordinator Coordinator) (*Cache, error) {
	if root == "" {
		return nil, errors.New("cache root directory not given")
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid cache root %q", root)
	}
	if coordinator == nil {
		coordinator = NewFileCoordinator(filepath.Join(root, locksDir))
	}
	return &Cache{root: root, coordinator: coordinator}, nil
}

var (
	defaultCache    *Cache
	defaultCacheErr error
	muDefault       sync.Mutex
)

// DefaultDir returns the root directory used by Default: $OCCA_CACHE_DIR if set, otherwise <user cache dir>/occa.
func DefaultDir() (string, error) {
	if dir := os.Getenv(DirEnv); dir != "" {
		return dir, nil
	}
	userCache, err := os.UserCacheDir()
	if err != nil {
		return "", errors.Wrapf(err, "can't find a cache directory, set %s", DirEnv)
	}
	return filepath.Join(userCache, "occa"), nil
}

// Default returns the process wide Cache rooted at DefaultDir, using a FileCoordinator.
func Default() (*Cache, error) {
	muDefault.Lock()
	defer muDefault.Unlock()
	if defaultCache != nil || defaultCacheErr != nil {
		return defaultCache, defaultCacheErr
	}
	var dir string
	dir, defaultCacheErr = DefaultDir()
	if defaultCacheErr == nil {
		defaultCache, defaultCacheErr = New(dir, nil)
	}
	if defaultCacheErr == nil {
		klog.V(1).Infof("using kernel cache in %s", defaultCache.Root())
	}
	return defaultCache, defaultCacheErr
}

// Root directory of the cache.
func (c *Cache) Root() string {
	return c.root
}

// Coordinator used to arbitrate the population of entries.
func (c *Cache) Coordinator() Coordinator {
	return c.coordinator
}

// String implements fmt.Stringer.
func (c *Cache) String() string {
	return "Cache[" + c.root + "]"
}

// HashDir returns the entry directory for the given identity (usually the source file name) and hash:
// <root>/cache/<hash>.
//
// A file stored directly in the entry of the same hash (e.g. a source written there by BuildKernelFromString) keeps
// everything derived from it in that entry. A file stored in the entry of another hash doesn't: builds of other
// functions or properties from it get their own entry, instead of overwriting its artifacts.
func (c *Cache) HashDir(identity string, hash Hash) string {
	entries := filepath.Join(c.root, entriesDir)
	if identity != "" {
		if abs, err := filepath.Abs(identity); err == nil {
			dir := filepath.Dir(abs)
			if filepath.Dir(dir) == entries && filepath.Base(dir) == hash.String() {
				return dir
			}
		}
	}
	return filepath.Join(entries, hash.String())
}

// HaveHash claims the hash for tag, see Coordinator.
func (c *Cache) HaveHash(hash Hash, tag string) (bool, error) {
	return c.coordinator.HaveHash(hash, tag)
}

// WaitForHash waits for the owner of the hash to release it, see Coordinator.
func (c *Cache) WaitForHash(hash Hash, tag string) error {
	return c.coordinator.WaitForHash(hash, tag)
}

// ReleaseHash releases a hash claimed with HaveHash, see Coordinator.
func (c *Cache) ReleaseHash(hash Hash, tag string, buildErr error) error {
	return c.coordinator.ReleaseHash(hash, tag, buildErr)
}

// Entry describes one directory of the cache.
type Entry struct {
	Name     string // Name of the entry directory, usually the hash.
	Dir      string
	Size     int64 // Total size of the files in the entry, in bytes.
	ModTime  time.Time
	Files    []string
	Complete bool // Whether the entry holds a compiled artifact.
}

// Entries lists the entries of the cache, sorted by name.
func (c *Cache) Entries() ([]Entry, error) {
	entriesPath := filepath.Join(c.root, entriesDir)
	dirEntries, err := os.ReadDir(entriesPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to list cache entries in %q", entriesPath)
	}
	var entries []Entry
	for _, dirEntry := range dirEntries {
		if !dirEntry.IsDir() {
			continue
		}
		entry := Entry{Name: dirEntry.Name(), Dir: filepath.Join(entriesPath, dirEntry.Name())}
		files, err := os.ReadDir(entry.Dir)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read cache entry %q", entry.Dir)
		}
		for _, file := range files {
			if strings.HasPrefix(file.Name(), ".") {
				// Temporary files of in-flight writes.
				continue
			}
			info, err := file.Info()
			if err != nil {
				continue
			}
			entry.Files = append(entry.Files, file.Name())
			entry.Size += info.Size()
			if info.ModTime().After(entry.ModTime) {
				entry.ModTime = info.ModTime()
			}
			if file.Name() == BinaryFile {
				entry.Complete = true
			}
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Clear removes all entries and coordination markers of the cache.
// It must not be called while builds are in progress.
func (c *Cache) Clear() error {
	var err error
	for _, sub := range []string{entriesDir, locksDir} {
		err = multierr.Append(err, errors.Wrapf(os.RemoveAll(filepath.Join(c.root, sub)), "failed to clear %q", sub))
	}
	return err
}
