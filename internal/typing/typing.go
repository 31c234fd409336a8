// Package typing implements the two typing indicator state machines: Local
// debounces the user's keystrokes into start/stop signals, Remote shows the
// active peer's typing state with a safety timeout for lost stop signals.
//
// Both machines own a single timer handle and cancel it before arming a new
// one. Timer callbacks may run on any goroutine; state is mutex-guarded and
// stale callbacks are discarded by sequence number.
package typing

import (
	"sync"
	"time"

	"github.com/whisper/inbox/internal/clock"
	"github.com/whisper/inbox/internal/protocol"
)

const (
	DefaultIdleDelay    = 1000 * time.Millisecond
	DefaultClearTimeout = 2000 * time.Millisecond
)

// PublishFunc sends a typing signal about the local user to peer.
type PublishFunc func(to protocol.ID, isTyping bool)

// Local is the outbound machine. States: idle and typing.
type Local struct {
	clock   clock.Clock
	delay   time.Duration
	publish PublishFunc

	mu     sync.Mutex
	typing bool
	to     protocol.ID
	timer  clock.Timer
	seq    uint64
}

// NewLocal creates an idle machine. A non-positive delay uses
// DefaultIdleDelay.
func NewLocal(c clock.Clock, delay time.Duration, publish PublishFunc) *Local {
	if delay <= 0 {
		delay = DefaultIdleDelay
	}
	return &Local{clock: c, delay: delay, publish: publish}
}

// Keystroke records input addressed to peer. The first keystroke of a burst
// publishes a start signal; every keystroke restarts the idle timer. Typing
// at a different peer ends the previous burst first.
func (l *Local) Keystroke(to protocol.ID) {
	if to == "" {
		return
	}

	l.mu.Lock()
	var ended protocol.ID
	if l.typing && l.to != to {
		ended = l.to
		l.typing = false
	}
	started := !l.typing
	l.typing = true
	l.to = to
	l.armLocked()
	l.mu.Unlock()

	if ended != "" {
		l.publish(ended, false)
	}
	if started {
		l.publish(to, true)
	}
}

// Flush ends the current burst immediately, publishing the stop signal if
// one is owed.
func (l *Local) Flush() {
	l.mu.Lock()
	to, was := l.endLocked()
	l.mu.Unlock()

	if was {
		l.publish(to, false)
	}
}

// Cancel drops the timer and returns to idle without publishing.
func (l *Local) Cancel() {
	l.mu.Lock()
	l.endLocked()
	l.mu.Unlock()
}

// Typing reports whether a burst is in progress and who it is addressed to.
func (l *Local) Typing() (protocol.ID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.to, l.typing
}

func (l *Local) armLocked() {
	if l.timer != nil {
		l.timer.Stop()
	}
	l.seq++
	seq := l.seq
	l.timer = l.clock.AfterFunc(l.delay, func() { l.expire(seq) })
}

func (l *Local) endLocked() (protocol.ID, bool) {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.seq++
	to, was := l.to, l.typing
	l.typing = false
	l.to = ""
	return to, was
}

func (l *Local) expire(seq uint64) {
	l.mu.Lock()
	if seq != l.seq || !l.typing {
		l.mu.Unlock()
		return
	}
	to := l.to
	l.typing = false
	l.to = ""
	l.timer = nil
	l.mu.Unlock()

	l.publish(to, false)
}

// ChangeFunc is told when the remote indicator turns on or off.
type ChangeFunc func(peer protocol.ID, typing bool)

// Remote is the inbound machine. At most one peer is shown typing at a time.
type Remote struct {
	clock    clock.Clock
	timeout  time.Duration
	onChange ChangeFunc

	mu         sync.Mutex
	peer       protocol.ID
	armedUntil time.Time
	timer      clock.Timer
	seq        uint64
}

// NewRemote creates a cleared indicator. A non-positive timeout uses
// DefaultClearTimeout. onChange may be nil.
func NewRemote(c clock.Clock, timeout time.Duration, onChange ChangeFunc) *Remote {
	if timeout <= 0 {
		timeout = DefaultClearTimeout
	}
	return &Remote{clock: c, timeout: timeout, onChange: onChange}
}

// Handle applies a typing signal from peer from. Signals from anyone other
// than active are ignored. A start signal (re)arms the safety timer; a stop
// signal clears immediately.
func (r *Remote) Handle(from protocol.ID, isTyping bool, active protocol.ID) {
	if active == "" || from != active {
		return
	}

	r.mu.Lock()
	if !isTyping {
		changed := r.clearLocked()
		r.mu.Unlock()
		if changed != "" {
			r.notify(changed, false)
		}
		return
	}

	var switched protocol.ID
	if r.peer != "" && r.peer != from {
		switched = r.peer
	}
	started := r.peer != from
	r.peer = from
	r.armedUntil = r.clock.Now().Add(r.timeout)
	if r.timer != nil {
		r.timer.Stop()
	}
	r.seq++
	seq := r.seq
	r.timer = r.clock.AfterFunc(r.timeout, func() { r.expire(seq) })
	r.mu.Unlock()

	if switched != "" {
		r.notify(switched, false)
	}
	if started {
		r.notify(from, true)
	}
}

// Reset clears the indicator and cancels the timer, for example when the
// active peer changes.
func (r *Remote) Reset() {
	r.mu.Lock()
	changed := r.clearLocked()
	r.mu.Unlock()
	if changed != "" {
		r.notify(changed, false)
	}
}

// Typing returns the peer currently shown typing, if any.
func (r *Remote) Typing() (protocol.ID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peer, r.peer != ""
}

// ArmedUntil returns when the safety clear fires; zero when cleared.
func (r *Remote) ArmedUntil() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.armedUntil
}

func (r *Remote) clearLocked() protocol.ID {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.seq++
	peer := r.peer
	r.peer = ""
	r.armedUntil = time.Time{}
	return peer
}

func (r *Remote) expire(seq uint64) {
	r.mu.Lock()
	if seq != r.seq || r.peer == "" {
		r.mu.Unlock()
		return
	}
	peer := r.peer
	r.peer = ""
	r.armedUntil = time.Time{}
	r.timer = nil
	r.mu.Unlock()

	r.notify(peer, false)
}

func (r *Remote) notify(peer protocol.ID, typing bool) {
	if r.onChange != nil {
		r.onChange(peer, typing)
	}
}
