package procinfo

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/modoterra/micmon/pkg/core"
)

// ProcessSource is the platform process metadata lookup.
type ProcessSource interface {
	// ImagePath returns the executable path of pid.
	ImagePath(pid int) (string, error)
	// FindByName returns a running process whose executable name is name.
	FindByName(name string) (pid int, path string, err error)
}

// UnitLookup maps a pid to the service manager unit that owns it.
type UnitLookup interface {
	Unit(ctx context.Context, pid int) (string, error)
}

// Options configures a Resolver.
type Options struct {
	CacheSize int
	CacheTTL  time.Duration
	Units     UnitLookup // optional
}

const (
	defaultCacheSize = 256
	defaultCacheTTL  = 30 * time.Second
)

// Resolver looks up process metadata for attribution.
type Resolver struct {
	src    ProcessSource
	paths  *expirable.LRU[int, string]
	units  UnitLookup
	logger *slog.Logger
}

// New creates a Resolver over src.
func New(src ProcessSource, opts Options, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	size := opts.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Resolver{
		src:    src,
		paths:  expirable.NewLRU[int, string](size, nil, ttl),
		units:  opts.Units,
		logger: logger,
	}
}

// ResolvePath returns the executable path for pid. The error wraps
// core.ErrNotFound when the process is gone or not visible to us.
func (r *Resolver) ResolvePath(pid int) (string, error) {
	if pid <= 0 {
		return "", fmt.Errorf("pid %d: %w", pid, core.ErrNotFound)
	}
	if path, ok := r.paths.Get(pid); ok {
		return path, nil
	}
	path, err := r.src.ImagePath(pid)
	if err != nil {
		return "", fmt.Errorf("resolve pid %d: %w", pid, err)
	}
	if path == "" {
		return "", fmt.Errorf("resolve pid %d: empty image path: %w", pid, core.ErrNotFound)
	}
	r.paths.Add(pid, path)
	return path, nil
}

// LookupName finds a running process by executable name.
func (r *Resolver) LookupName(name string) (int, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, "", fmt.Errorf("lookup empty name: %w", core.ErrNotFound)
	}
	pid, path, err := r.src.FindByName(name)
	if err != nil {
		return 0, "", fmt.Errorf("lookup %q: %w", name, err)
	}
	if path != "" {
		r.paths.Add(pid, path)
	}
	return pid, path, nil
}

// Unit returns the service manager unit for pid, or "" when unknown.
func (r *Resolver) Unit(ctx context.Context, pid int) string {
	if r.units == nil || pid <= 0 {
		return ""
	}
	unit, err := r.units.Unit(ctx, pid)
	if err != nil {
		r.logger.Debug("unit lookup failed", "pid", pid, "err", err)
		return ""
	}
	return unit
}

var bundleSuffixes = []string{".app", ".appex", ".xpc", ".bundle", ".framework", ".exe"}

// NameFromPath returns the last path component with any bundle suffix
// stripped. Input without a separator is returned unchanged.
func NameFromPath(path string) string {
	if !strings.Contains(path, "/") {
		return path
	}
	trimmed := strings.TrimRight(path, "/")
	if trimmed == "" {
		return path
	}
	name := trimmed[strings.LastIndex(trimmed, "/")+1:]
	lower := strings.ToLower(name)
	for _, suffix := range bundleSuffixes {
		if strings.HasSuffix(lower, suffix) && len(name) > len(suffix) {
			return name[:len(name)-len(suffix)]
		}
	}
	return name
}
