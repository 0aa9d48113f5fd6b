package objectstore

import (
	"errors"
	log "log/slog"
	"sync"
	"sync/atomic"
)

// FaultInjector implements the kill_at fault-injection counter from
// original_source/src/os/XStore.cc: a handful of named points throughout the
// commit and replay-guard stamping paths decrement a shared counter and
// abort the process when it reaches exactly zero, giving crash tests
// deterministic injection points instead of relying on timing.
type FaultInjector struct {
	mu      sync.Mutex
	counter int64
	onKill  func(point string)
}

// NewFaultInjector returns a FaultInjector seeded with n (0 disables
// injection: Hit never fires). onKill is invoked instead of the default
// panic when the counter reaches zero, letting tests observe the kill point
// without tearing down the process.
func NewFaultInjector(n int, onKill func(point string)) *FaultInjector {
	return &FaultInjector{counter: int64(n), onKill: onKill}
}

// Disabled reports whether the counter is at or below zero: the injector was
// constructed with n <= 0, or it has already fired.
func (f *FaultInjector) Disabled() bool {
	return atomic.LoadInt64(&f.counter) <= 0
}

// Hit decrements the counter and fires the kill action when it reaches
// zero. point names the call site (e.g. "replayguard.begin.before_fsync",
// "commit.fence_apply") for logging and test assertions.
func (f *FaultInjector) Hit(point string) {
	if f.Disabled() {
		return
	}
	n := atomic.AddInt64(&f.counter, -1)
	if n == 0 {
		log.Warn("fault injection triggered", "point", point)
		if f.onKill != nil {
			f.onKill(point)
			return
		}
		panic(Error{Code: Unknown, UserData: point, Err: errKillAt})
	}
}

var errKillAt = errors.New("objectstore: kill_at fault injection reached zero")
