package replay

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"wandersync/internal/logging"
)

// RetentionPolicy bounds the recorded sessions kept under the replay root.
// A zero field disables that bound.
type RetentionPolicy struct {
	MaxSessions int
	MaxAge      time.Duration
}

// StorageStats summarises the replay root after the last sweep.
type StorageStats struct {
	Sessions  int
	Bytes     int64
	Removed   int
	LastSweep time.Time
}

// Cleaner prunes session bundles under a replay root. Only directories that
// hold a manifest are treated as sessions; anything else is left alone.
type Cleaner struct {
	dir    string
	policy RetentionPolicy
	log    *logging.Logger
	now    func() time.Time

	mu        sync.RWMutex
	protected string
	stats     StorageStats
}

// NewCleaner constructs a cleaner for the provided replay directory.
func NewCleaner(dir string, policy RetentionPolicy, logger *logging.Logger) *Cleaner {
	if logger == nil {
		logger = logging.L()
	}
	return &Cleaner{
		dir:    dir,
		policy: policy,
		log:    logger.With(logging.Component("replay_cleaner")),
		now:    time.Now,
	}
}

// Protect exempts the bundle being recorded from pruning. It still counts
// towards MaxSessions.
func (c *Cleaner) Protect(bundleDir string) {
	c.mu.Lock()
	c.protected = filepath.Clean(bundleDir)
	c.mu.Unlock()
}

// Run sweeps immediately and then every interval until ctx is cancelled.
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) {
	if c == nil || ctx == nil {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	c.RunOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce()
		}
	}
}

// RunOnce performs a single sweep and returns the resulting stats.
func (c *Cleaner) RunOnce() StorageStats {
	if c == nil || strings.TrimSpace(c.dir) == "" {
		return StorageStats{}
	}
	stats := c.sweep()
	c.mu.Lock()
	c.stats = stats
	c.mu.Unlock()
	return stats
}

// Stats returns the result of the last sweep.
func (c *Cleaner) Stats() StorageStats {
	if c == nil {
		return StorageStats{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

type bundleDir struct {
	name    string
	path    string
	size    int64
	modTime time.Time
}

// removal pairs a bundle with the retention rules it broke.
type removal struct {
	bundle  bundleDir
	reasons string
}

func (c *Cleaner) sweep() StorageStats {
	now := c.now()
	stats := StorageStats{LastSweep: now}
	bundles, err := c.scan()
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.log.Warn("replay retention scan failed", logging.Error(err), logging.String("directory", c.dir))
		}
		return stats
	}

	c.mu.RLock()
	protected := c.protected
	c.mu.RUnlock()

	kept, doomed := c.plan(bundles, protected, now)
	for _, r := range doomed {
		if err := os.RemoveAll(r.bundle.path); err != nil {
			c.log.Warn("replay retention removal failed", logging.Error(err), logging.String("session", r.bundle.name))
			kept = append(kept, r.bundle)
			continue
		}
		stats.Removed++
		c.log.Info("replay retention removed session", logging.String("session", r.bundle.name), logging.String("reason", r.reasons))
	}
	for _, bundle := range kept {
		stats.Sessions++
		stats.Bytes += bundle.size
	}
	return stats
}

// plan splits bundles (newest first) into kept and doomed under the policy.
func (c *Cleaner) plan(bundles []bundleDir, protected string, now time.Time) (kept []bundleDir, doomed []removal) {
	for _, bundle := range bundles {
		if bundle.path == protected {
			kept = append(kept, bundle)
			continue
		}
		var reasons []string
		if c.policy.MaxAge > 0 && now.Sub(bundle.modTime) > c.policy.MaxAge {
			reasons = append(reasons, fmt.Sprintf("age>%s", c.policy.MaxAge))
		}
		if c.policy.MaxSessions > 0 && len(kept) >= c.policy.MaxSessions {
			reasons = append(reasons, fmt.Sprintf(">=%d sessions", c.policy.MaxSessions))
		}
		if len(reasons) > 0 {
			doomed = append(doomed, removal{bundle: bundle, reasons: strings.Join(reasons, ", ")})
			continue
		}
		kept = append(kept, bundle)
	}
	return kept, doomed
}

// scan lists session bundles, newest first.
func (c *Cleaner) scan() ([]bundleDir, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}
	bundles := make([]bundleDir, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(c.dir, entry.Name())
		if _, err := os.Stat(filepath.Join(path, ManifestFile)); err != nil {
			continue
		}
		size, modTime, err := directoryFootprint(path)
		if err != nil {
			c.log.Warn("replay retention size failed", logging.Error(err), logging.String("path", path))
			continue
		}
		bundles = append(bundles, bundleDir{name: entry.Name(), path: path, size: size, modTime: modTime})
	}
	sort.Slice(bundles, func(i, j int) bool { return bundles[i].modTime.After(bundles[j].modTime) })
	return bundles, nil
}

// directoryFootprint sums file sizes under root and reports the newest file
// modification time, so a bundle still being written counts as fresh.
func directoryFootprint(root string) (int64, time.Time, error) {
	var total int64
	var newest time.Time
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	return total, newest, err
}
