package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// Loader holds the current configuration and reloads it when the file on
// disk changes.
type Loader struct {
	path string

	mu       sync.RWMutex
	config   *Config
	onChange []func(*Config)

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	errChan chan error
}

func NewLoader(path string) *Loader {
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		path:    path,
		ctx:     ctx,
		cancel:  cancel,
		errChan: make(chan error, 1),
	}
}

func (l *Loader) Load() (*Config, error) {
	cfg, err := Load(l.path)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.config = cfg
	l.mu.Unlock()
	return cfg, nil
}

func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// OnChange registers cb to run with each successfully reloaded config.
func (l *Loader) OnChange(cb func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, cb)
}

// Errors delivers reload failures. Only the most recent unread error is
// kept.
func (l *Loader) Errors() <-chan error {
	return l.errChan
}

// Watch reloads the config whenever its file is written or replaced. The
// parent directory is watched so editors that rename over the file are
// seen too.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	l.watcher = watcher
	go l.watchLoop()
	return nil
}

func (l *Loader) watchLoop() {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	for {
		select {
		case <-l.ctx.Done():
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(l.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, l.reload)
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.reportError(err)
		}
	}
}

func (l *Loader) reload() {
	if l.ctx.Err() != nil {
		return
	}
	cfg, err := Load(l.path)
	if err != nil {
		l.reportError(fmt.Errorf("reload config: %w", err))
		return
	}
	l.mu.Lock()
	l.config = cfg
	callbacks := append([]func(*Config){}, l.onChange...)
	l.mu.Unlock()
	for _, cb := range callbacks {
		cb(cfg)
	}
}

func (l *Loader) reportError(err error) {
	select {
	case l.errChan <- err:
	default:
	}
}

func (l *Loader) Close() error {
	l.cancel()
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}
