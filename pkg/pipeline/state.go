package pipeline

import (
	"sync"
	"sync/atomic"
)

// State is a request's position in the governed lifecycle.
type State string

const (
	StateReceived        State = "RECEIVED"
	StateClassified      State = "CLASSIFIED"
	StatePolicyEvaluated State = "POLICY_EVALUATED"
	StateAwaitingApproval State = "AWAITING_APPROVAL"
	StateExecuting       State = "EXECUTING"
	StateVerifying       State = "VERIFYING"
	StateRollingBack     State = "ROLLING_BACK"
	StateTerminal        State = "TERMINAL"
)

// cancellable reports whether a caller cancellation is still honored in the
// given state. Once execution starts the action runs to completion and is
// governed by its receipt.
func cancellable(s State) bool {
	switch s {
	case StateReceived, StateClassified, StatePolicyEvaluated, StateAwaitingApproval:
		return true
	}
	return false
}

// Flags are the engine's runtime feature switches. All of them may flip
// while requests are in flight; each request reads them at the point the
// concern applies.
type Flags struct {
	caching     atomic.Bool
	asyncVerify atomic.Bool
	tiering     atomic.Bool
}

// NewFlags returns flags with the given initial values.
func NewFlags(caching, asyncVerify, tiering bool) *Flags {
	f := &Flags{}
	f.caching.Store(caching)
	f.asyncVerify.Store(asyncVerify)
	f.tiering.Store(tiering)
	return f
}

// Caching reports whether T0/T1 policy decisions may be served from cache.
func (f *Flags) Caching() bool { return f.caching.Load() }

// SetCaching flips the cache flag.
func (f *Flags) SetCaching(v bool) { f.caching.Store(v) }

// AsyncVerify reports whether T0/T1 verification may run asynchronously.
func (f *Flags) AsyncVerify() bool { return f.asyncVerify.Load() }

// SetAsyncVerify flips the async verification flag.
func (f *Flags) SetAsyncVerify(v bool) { f.asyncVerify.Store(v) }

// Tiering is the master switch. With tiering off, requests take the plain
// synchronous path: policy evaluation, execution, synchronous verification
// and a chained receipt, with no approval gate or asynchronous machinery.
func (f *Flags) Tiering() bool { return f.tiering.Load() }

// SetTiering flips the master switch.
func (f *Flags) SetTiering(v bool) { f.tiering.Store(v) }

// Snapshot returns the flag values for the API layer.
func (f *Flags) Snapshot() map[string]bool {
	return map[string]bool{
		"caching":      f.Caching(),
		"async_verify": f.AsyncVerify(),
		"tiering":      f.Tiering(),
	}
}

// reqState tracks one in-flight request for cancellation and inspection.
type reqState struct {
	mu        sync.Mutex
	state     State
	cancelled bool
	onCancel  func() // interrupts an approval wait, set while parked
}

func (rs *reqState) to(s State) {
	rs.mu.Lock()
	rs.state = s
	rs.mu.Unlock()
}

func (rs *reqState) current() State {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.state
}

// cancel requests cancellation; it reports whether the lifecycle position
// still allowed it.
func (rs *reqState) cancel() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if !cancellable(rs.state) {
		return false
	}
	rs.cancelled = true
	if rs.onCancel != nil {
		rs.onCancel()
	}
	return true
}

func (rs *reqState) isCancelled() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.cancelled
}
