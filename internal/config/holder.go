package config

import (
	"fmt"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t77yq/alert-notifier/internal/alertgroup"
)

// BuildFunc turns a loaded configuration into a registry
type BuildFunc func(cfg *Config) (*alertgroup.Registry, error)

// Holder owns the current registry and swaps it atomically on reload. A
// reload that fails validation leaves the previous registry in place.
type Holder struct {
	logger  *zap.Logger
	path    string
	build   BuildFunc
	current atomic.Pointer[alertgroup.Registry]
}

// NewHolder loads path and builds the first registry
func NewHolder(logger *zap.Logger, path string, build BuildFunc) (*Holder, error) {
	h := &Holder{
		logger: logger.Named("config"),
		path:   path,
		build:  build,
	}
	if _, err := h.Reload(); err != nil {
		return nil, err
	}
	return h, nil
}

// Current returns the registry in effect
func (h *Holder) Current() *alertgroup.Registry {
	return h.current.Load()
}

// Reload re-reads the file and swaps in the new registry. People present in
// both configurations keep their rate-limit history.
func (h *Holder) Reload() (*alertgroup.Registry, error) {
	cfg, err := Load(h.path)
	if err != nil {
		return nil, err
	}
	return h.swap(cfg)
}

func (h *Holder) swap(cfg *Config) (*alertgroup.Registry, error) {
	next, err := h.build(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build registry: %w", err)
	}

	inherited := 0
	if prev := h.current.Load(); prev != nil {
		for _, p := range next.Directory.Persons() {
			if old, ok := prev.Directory.Person(p.Username); ok && p.InheritState(old) {
				inherited++
			}
		}
	}
	h.current.Store(next)

	h.logger.Info("Configuration loaded",
		zap.String("path", h.path),
		zap.Int("groups", len(next.Groups)),
		zap.Int("people", len(next.Directory.Persons())),
		zap.Int("inherited", inherited))
	return next, nil
}

// Watch reloads whenever the file changes on disk
func (h *Holder) Watch() {
	v := viper.New()
	v.SetConfigFile(h.path)
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if _, err := h.Reload(); err != nil {
			h.logger.Error("Failed to reload configuration, keeping the previous one",
				zap.String("file", e.Name),
				zap.Error(err))
		}
	})
	v.WatchConfig()
	h.logger.Info("Watching configuration", zap.String("path", h.path))
}
