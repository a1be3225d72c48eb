package orchestrator

import (
	"LinkGuard/internal/model"
	"sync"
	"time"
)

type modeSwitch struct {
	at   time.Time
	mode model.DetectionMode
}

// ModeController holds the runtime detection mode. The command loop is its
// only writer; detection cycles read it.
//
// Accepted switches are kept in acceptance order until every window that
// closed before them has been resolved, so a window always sees the mode in
// force when it closed however many switches arrive before its cycle runs.
type ModeController struct {
	mu       sync.RWMutex
	base     model.DetectionMode
	switches []modeSwitch
}

// NewModeController starts with the configured initial mode.
func NewModeController(initial model.DetectionMode) *ModeController {
	return &ModeController{base: initial}
}

// Set records a mode accepted at the given time and returns the mode it replaced.
func (c *ModeController) Set(mode model.DetectionMode, at time.Time) model.DetectionMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.currentLocked()
	if n := len(c.switches); n > 0 && at.Before(c.switches[n-1].at) {
		// Keep the history ordered if the clock steps back.
		at = c.switches[n-1].at
	}
	c.switches = append(c.switches, modeSwitch{at: at, mode: mode})
	return prev
}

// Current returns the most recently accepted mode.
func (c *ModeController) Current() model.DetectionMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentLocked()
}

func (c *ModeController) currentLocked() model.DetectionMode {
	if n := len(c.switches); n > 0 {
		return c.switches[n-1].mode
	}
	return c.base
}

// ModeFor returns the mode governing a window that closed at the given time.
// A switch accepted at T applies to every window closing at or after T.
func (c *ModeController) ModeFor(windowClosedAt time.Time) model.DetectionMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := len(c.switches) - 1; i >= 0; i-- {
		if !windowClosedAt.Before(c.switches[i].at) {
			return c.switches[i].mode
		}
	}
	return c.base
}

// Prune folds every switch accepted at or before the given window close into
// the base mode. Windows are resolved in close order, so no later window can
// need the history it drops.
func (c *ModeController) Prune(windowClosedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for n < len(c.switches) && !windowClosedAt.Before(c.switches[n].at) {
		c.base = c.switches[n].mode
		n++
	}
	if n > 0 {
		c.switches = append(c.switches[:0:0], c.switches[n:]...)
	}
}

// Pending returns the number of switches still retained.
func (c *ModeController) Pending() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.switches)
}
