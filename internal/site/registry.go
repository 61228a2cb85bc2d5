package site

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Registry serves the current site snapshot and swaps it when the config file changes.
type Registry struct {
	loader  *Loader
	current atomic.Pointer[Site]
	logger  *slog.Logger

	mu        sync.Mutex
	listeners []func(*Site)
}

// NewRegistry loads the initial site. It fails if the site is unknown or invalid.
func NewRegistry(loader *Loader, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := loader.Load()
	if err != nil {
		return nil, err
	}
	r := &Registry{loader: loader, logger: logger}
	r.current.Store(s)
	return r, nil
}

// NewStaticRegistry wraps a fixed site that never reloads.
func NewStaticRegistry(s *Site) *Registry {
	r := &Registry{logger: slog.Default()}
	r.current.Store(s)
	return r
}

// Current returns the active site. Callers keep the pointer for the whole request.
func (r *Registry) Current() *Site {
	return r.current.Load()
}

// OnReload registers fn to run after a new site has been swapped in.
func (r *Registry) OnReload(fn func(*Site)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Reload re-reads the config file. On error the previous site stays active.
func (r *Registry) Reload() error {
	if r.loader == nil {
		return nil
	}
	s, err := r.loader.Reload()
	if err != nil {
		return err
	}
	r.swap(s)
	return nil
}

// Watch reloads the site whenever the config file is written.
func (r *Registry) Watch() {
	if r.loader == nil {
		return
	}
	r.loader.v.OnConfigChange(func(e fsnotify.Event) {
		// viper has already re-read the file at this point
		s, err := r.loader.Load()
		if err != nil {
			r.logger.Error("site config reload failed, keeping previous",
				"file", e.Name,
				"error", err,
			)
			return
		}
		r.swap(s)
		r.logger.Info("site config reloaded", "site", s.ID, "file", e.Name)
	})
	r.loader.v.WatchConfig()
}

func (r *Registry) swap(s *Site) {
	r.current.Store(s)

	r.mu.Lock()
	listeners := slices.Clone(r.listeners)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}
