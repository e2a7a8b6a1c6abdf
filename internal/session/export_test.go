package session

import "time"

// SetClock replaces the clock used for latency probes. Call it before Init.
func SetClock(s *Session, now func() time.Time) {
	s.flow.now = now
}

// RunPing runs one latency sampling round on the session loop.
func RunPing(s *Session) {
	s.loop.Run(s.flow.ping)
}
