package transport

import (
	"time"

	"github.com/reachkad/router/wire"
)

// RealClock implements wire.EventBase over the real wall clock and
// stdlib timers, the concrete collaborator cmd/routerd wires the
// router to outside of tests.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) SetTimeout(cb func(), delay time.Duration) wire.TimerHandle {
	return time.AfterFunc(delay, cb)
}

func (RealClock) ResetTimeout(h wire.TimerHandle, delay time.Duration) {
	if t, ok := h.(*time.Timer); ok {
		t.Reset(delay)
	}
}

func (RealClock) CancelTimeout(h wire.TimerHandle) {
	if t, ok := h.(*time.Timer); ok {
		t.Stop()
	}
}
