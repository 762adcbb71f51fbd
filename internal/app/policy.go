package app

import "time"

// Policy computes how long a channel waits before its next reconnect attempt.
type Policy interface {
	Delay(attempt int) time.Duration
}

// BackoffPolicy doubles Base per attempt and caps at Max.
type BackoffPolicy struct {
	Base time.Duration
	Max  time.Duration
}

func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Base: 500 * time.Millisecond, Max: 10 * time.Second}
}

// Delay returns min(Max, Base*2^(attempt-1)); zero for attempt <= 0.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	return min(d, p.Max)
}

type Status string

const (
	StatusConnecting Status = "connecting"
	StatusOpen       Status = "open"
	StatusClosed     Status = "closed"
)

// ConnectionState is the reconnect bookkeeping of one channel. It is not
// synchronized; the owning channel guards it.
type ConnectionState struct {
	Status           Status        `json:"status"`
	Attempt          int           `json:"attempt"`
	NextDelay        time.Duration `json:"nextDelay"`
	IntentionalClose bool          `json:"intentionalClose"`
}

func NewConnectionState() ConnectionState {
	return ConnectionState{Status: StatusClosed}
}

func (s *ConnectionState) Connecting() {
	s.Status = StatusConnecting
}

// Opened resets the attempt counter.
func (s *ConnectionState) Opened() {
	s.Status = StatusOpen
	s.Attempt = 0
	s.NextDelay = 0
}

// Closed records a closed cycle and reports whether and when to retry.
func (s *ConnectionState) Closed(p Policy) (retry bool, delay time.Duration) {
	s.Status = StatusClosed
	if s.IntentionalClose {
		s.NextDelay = 0
		return false, 0
	}
	s.Attempt++
	s.NextDelay = p.Delay(s.Attempt)
	return true, s.NextDelay
}

// Idle reports whether a forced reconnect may start now: the socket is
// neither open nor connecting and nobody asked to leave.
func (s *ConnectionState) Idle() bool {
	return s.Status == StatusClosed && !s.IntentionalClose
}
