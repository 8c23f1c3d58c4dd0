// Package dialog gates user-facing prompts that must appear only once,
// such as the "session expired" notice shown when credentials are rejected.
package dialog

import (
	"sync"
	"sync/atomic"
)

// Controller shows dialogs to the user. Implementations decide how: the
// CLI prints a styled notice, the API server logs it.
type Controller interface {
	ShowSessionExpired(reason string)
}

// ControllerFunc adapts a function to Controller.
type ControllerFunc func(reason string)

// ShowSessionExpired calls f.
func (f ControllerFunc) ShowSessionExpired(reason string) {
	f(reason)
}

// Gate forwards the session-expired dialog to a Controller at most once
// until Reset. A nil *Gate is a no-op.
type Gate struct {
	controller Controller
	shown      atomic.Bool
	mu         sync.Mutex
}

// NewGate returns a Gate in front of controller.
func NewGate(controller Controller) *Gate {
	return &Gate{controller: controller}
}

// SessionExpired shows the dialog unless it is already showing. It reports
// whether the controller was called.
func (g *Gate) SessionExpired(reason string) bool {
	if g == nil || g.controller == nil {
		return false
	}
	if !g.shown.CompareAndSwap(false, true) {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.controller.ShowSessionExpired(reason)
	return true
}

// Showing reports whether the dialog was shown and not yet reset.
func (g *Gate) Showing() bool {
	return g != nil && g.shown.Load()
}

// Reset re-arms the gate, typically after the user signed in again.
func (g *Gate) Reset() {
	if g != nil {
		g.shown.Store(false)
	}
}
