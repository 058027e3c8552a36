package common

import (
	"errors"
	"strings"
	"sync"
)

// ErrModulePaused is returned when an operation is attempted against a module
// that operations has halted.
var ErrModulePaused = errors.New("module paused")

// PauseView exposes the pause switches consulted by the native engines before
// any state-mutating entry point.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects the call when the named module is paused. A nil view or empty
// module name means no pause enforcement.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// Pauses is a concurrency-safe PauseView backed by an explicit set of paused
// module names, typically seeded from configuration and toggled at runtime.
type Pauses struct {
	mu     sync.RWMutex
	paused map[string]bool
}

// NewPauses builds a pause set from the provided module names.
func NewPauses(modules ...string) *Pauses {
	p := &Pauses{paused: make(map[string]bool)}
	for _, m := range modules {
		if name := strings.ToLower(strings.TrimSpace(m)); name != "" {
			p.paused[name] = true
		}
	}
	return p
}

// IsPaused reports whether the module is currently halted.
func (p *Pauses) IsPaused(module string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused[strings.ToLower(strings.TrimSpace(module))]
}

// Set toggles the pause switch for a module.
func (p *Pauses) Set(module string, paused bool) {
	if p == nil {
		return
	}
	name := strings.ToLower(strings.TrimSpace(module))
	if name == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused == nil {
		p.paused = make(map[string]bool)
	}
	p.paused[name] = paused
}
