package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// rulesFile is the on-disk layout of a rules file.
type rulesFile struct {
	Rules []ruleEntry `yaml:"rules"`
}

// ruleEntry mirrors domain.RuleConfig so an omitted "enabled" means enabled.
type ruleEntry struct {
	ID          string          `yaml:"id"`
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	Version     string          `yaml:"version"`
	Type        domain.RuleType `yaml:"type"`
	Params      map[string]any  `yaml:"params"`
	Weight      float64         `yaml:"weight"`
	Critical    bool            `yaml:"critical"`
	Enabled     *bool           `yaml:"enabled"`
}

func (e ruleEntry) config() *domain.RuleConfig {
	enabled := true
	if e.Enabled != nil {
		enabled = *e.Enabled
	}
	return &domain.RuleConfig{
		ID:          e.ID,
		Name:        e.Name,
		Description: e.Description,
		Version:     e.Version,
		Type:        e.Type,
		Params:      e.Params,
		Weight:      e.Weight,
		Critical:    e.Critical,
		Enabled:     enabled,
	}
}

// ParseRules decodes a rules document. Per-rule validation is left to the
// rule engine so one bad rule does not reject the file.
func ParseRules(data []byte) ([]*domain.RuleConfig, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	out := make([]*domain.RuleConfig, 0, len(f.Rules))
	for _, e := range f.Rules {
		out = append(out, e.config())
	}
	return out, nil
}

// DefaultWatchDebounce is how long the file must stay quiet before Watch
// reloads it.
const DefaultWatchDebounce = 250 * time.Millisecond

// RulesLoader reads a YAML rules file and watches it for changes.
type RulesLoader struct {
	path     string
	debounce time.Duration
	mu       sync.RWMutex
	current  []*domain.RuleConfig
	onChange []func([]*domain.RuleConfig)
}

// NewRulesLoader creates a RulesLoader and performs the initial load.
func NewRulesLoader(path string) (*RulesLoader, error) {
	l := &RulesLoader{path: path, debounce: DefaultWatchDebounce}
	rules, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = rules
	return l, nil
}

// Path returns the watched file.
func (l *RulesLoader) Path() string {
	return l.path
}

// Rules returns the most recently loaded definitions.
func (l *RulesLoader) Rules() []*domain.RuleConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked after every successful reload.
func (l *RulesLoader) OnChange(fn func([]*domain.RuleConfig)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Reload forces an immediate re-read of the file. On error the previous
// definitions stay current.
func (l *RulesLoader) Reload() ([]*domain.RuleConfig, error) {
	rules, err := l.load()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = rules
	callbacks := make([]func([]*domain.RuleConfig), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()

	for _, fn := range callbacks {
		fn(rules)
	}
	return rules, nil
}

// Watch hot-reloads the file when it changes. The parent directory is watched
// so editors that replace the file by rename are picked up. Bursts of writes
// are coalesced into one reload once the file has been quiet for the debounce
// interval. Call the returned stop function to clean up.
func (l *RulesLoader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("rules watcher: %w", err)
	}
	dir := filepath.Dir(l.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("rules watcher add %s: %w", dir, err)
	}
	target := filepath.Clean(l.path)

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer w.Close()

		var timer *time.Timer
		var settled <-chan time.Time
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(l.debounce)
				} else {
					timer.Reset(l.debounce)
				}
				settled = timer.C
			case <-settled:
				settled = nil
				rules, err := l.Reload()
				if err != nil {
					slog.Warn("rules file reload failed, keeping previous rules",
						"path", l.path,
						"error", err,
					)
					continue
				}
				slog.Info("rules file reloaded", "path", l.path, "rules_count", len(rules))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("rules watcher error", "path", l.path, "error", err)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-finished
		})
	}, nil
}

func (l *RulesLoader) load() ([]*domain.RuleConfig, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", l.path, err)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", l.path, err)
	}
	return rules, nil
}
