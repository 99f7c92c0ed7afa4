package actor

import (
	"context"
	"time"
)

// SleepBlocker names what is keeping an actor awake. SleepYes means the
// actor is eligible to sleep.
type SleepBlocker string

// Sleep blockers, in check order.
const (
	SleepNotReady          SleepBlocker = "not_ready"
	SleepNotStarted        SleepBlocker = "not_started"
	SleepActiveRawRequests SleepBlocker = "active_raw_requests"
	SleepActiveKeepAwake   SleepBlocker = "active_keep_awake"
	SleepActiveRun         SleepBlocker = "active_run"
	SleepActiveConns       SleepBlocker = "active_conns"
	SleepActiveDisconnects SleepBlocker = "active_disconnect_callbacks"
	SleepYes               SleepBlocker = "yes"
)

// sleepArbiter arms the idle timer whenever the instance becomes
// sleep-eligible and cancels it on any activity edge. Guarded by the
// instance mutex.
type sleepArbiter struct {
	inst *Instance

	timer *time.Timer
	// gen invalidates a fired timer that raced a reset.
	gen       uint64
	initiated bool
}

func newSleepArbiter(inst *Instance) *sleepArbiter {
	return &sleepArbiter{inst: inst}
}

// enabled reports whether sleeping is possible at all.
func (a *sleepArbiter) enabled() bool {
	if a.inst.opts.NoSleep || a.inst.opts.SleepTimeout <= 0 {
		return false
	}
	_, ok := a.inst.driver.(SleepCapableDriver)
	return ok
}

// canSleepLocked computes the current blocker. Caller holds the instance
// mutex.
func (a *sleepArbiter) canSleepLocked() SleepBlocker {
	i := a.inst
	switch {
	case i.status < StatusReady || i.status > StatusStarted:
		return SleepNotReady
	case i.status != StatusStarted:
		return SleepNotStarted
	case i.activeRawRequests > 0:
		return SleepActiveRawRequests
	case i.activeKeepAwake > 0:
		return SleepActiveKeepAwake
	case i.runActive && i.queueWaitCount == 0:
		// A run handler blocked on the queue does not keep the actor awake;
		// an enqueue wakes the actor again.
		return SleepActiveRun
	case i.conns.countLocked() > 0:
		return SleepActiveConns
	case i.pendingDisconnects > 0:
		return SleepActiveDisconnects
	default:
		return SleepYes
	}
}

// resetLocked is called on every state transition that could affect sleep
// eligibility. Caller holds the instance mutex.
func (a *sleepArbiter) resetLocked() {
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if !a.enabled() || a.initiated {
		return
	}
	if a.canSleepLocked() != SleepYes {
		return
	}

	gen := a.gen
	a.timer = time.AfterFunc(a.inst.opts.SleepTimeout, func() { a.fire(gen) })
}

// fire runs on the timer goroutine when the idle window elapsed without a
// subsequent reset.
func (a *sleepArbiter) fire(gen uint64) {
	a.inst.mu.Lock()
	if gen != a.gen || a.initiated || a.canSleepLocked() != SleepYes {
		a.inst.mu.Unlock()
		return
	}
	a.initiated = true
	a.inst.mu.Unlock()

	driver, ok := a.inst.driver.(SleepCapableDriver)
	if !ok {
		return
	}

	// Next-tick dispatch: the host's StartSleep may immediately call back
	// into OnStop, which takes the instance mutex.
	go func() {
		a.inst.log.Info("Actor idle, starting sleep")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := driver.StartSleep(ctx, a.inst.id); err != nil {
			a.inst.log.Error("startSleep failed", "error", err)
			a.inst.mu.Lock()
			a.initiated = false
			a.sleepRetryLocked()
			a.inst.mu.Unlock()
		}
	}()
}

// sleepRetryLocked re-arms after a failed startSleep. Caller holds the
// instance mutex.
func (a *sleepArbiter) sleepRetryLocked() {
	a.resetLocked()
}
