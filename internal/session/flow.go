package session

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"time"

	"github.com/energizer-project/proxytransport/internal/eventloop"
	"github.com/energizer-project/proxytransport/internal/events"
	"github.com/energizer-project/proxytransport/internal/network"
	"github.com/energizer-project/proxytransport/internal/protocol"
)

const (
	// DefaultFloodCeiling is the number of client packets accepted per window.
	DefaultFloodCeiling = 750
	// DefaultFloodWindow is how often the packet counter resets.
	DefaultFloodWindow = time.Second
	// DefaultPingInterval is how often latency is sampled.
	DefaultPingInterval = 2 * time.Second
)

// FlowConfig configures flood control and latency sampling.
type FlowConfig struct {
	FloodCeiling int
	FloodWindow  time.Duration
	PingInterval time.Duration
	// ProbeTimeout is how long an unanswered latency probe blocks the next
	// one. Zero selects five ping intervals.
	ProbeTimeout time.Duration
}

func (c FlowConfig) withDefaults() FlowConfig {
	if c.FloodCeiling <= 0 {
		c.FloodCeiling = DefaultFloodCeiling
	}
	if c.FloodWindow <= 0 {
		c.FloodWindow = DefaultFloodWindow
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * c.PingInterval
	}
	return c
}

// flowController rate limits client packets and samples latency. Every
// method except the atomic readers runs on the session loop.
type flowController struct {
	s   *Session
	cfg FlowConfig
	now func() time.Time

	// flood
	counter int
	locked  bool
	tripped bool

	// probe
	native       bool
	probePending bool
	probeSentAt  time.Time
	loss         network.LossSampler

	latency atomic.Int64 // nanoseconds, -1 until measured
	lossPct atomic.Uint64
	hasLoss atomic.Bool

	resetTask *eventloop.Task
	pingTask  *eventloop.Task
}

func newFlowController(s *Session, cfg FlowConfig) *flowController {
	f := &flowController{s: s, cfg: cfg.withDefaults(), now: time.Now}
	f.latency.Store(-1)
	return f
}

// start schedules the counter reset and the latency sampler on loop.
func (f *flowController) start(loop *eventloop.Loop, link network.Link) {
	_, err := link.Stats()
	f.native = !errors.Is(err, network.ErrStatsUnsupported)

	f.resetTask = loop.ScheduleAtFixedRate(f.cfg.FloodWindow, f.cfg.FloodWindow, f.resetWindow)
	f.pingTask = loop.ScheduleAtFixedRate(f.cfg.PingInterval, f.cfg.PingInterval, f.ping)
}

// stop cancels the periodic tasks. A run already in progress completes.
func (f *flowController) stop() {
	if f.resetTask != nil {
		f.resetTask.Cancel()
	}
	if f.pingTask != nil {
		f.pingTask.Cancel()
	}
}

func (f *flowController) resetWindow() {
	f.counter = 0
	f.locked = false
}

// admit counts n client packets and reports whether they may be sent.
// Everything is refused while the window is locked.
func (f *flowController) admit(n int) bool {
	if f.locked {
		return false
	}
	f.counter += n
	return true
}

// checkFlood locks the window once the counter has reached the ceiling.
// The first lock disconnects both ends.
func (f *flowController) checkFlood() {
	if f.locked || f.counter < f.cfg.FloodCeiling {
		return
	}
	f.locked = true
	if !f.tripped {
		f.tripped = true
		f.onFlood()
	}
}

func (f *flowController) onFlood() {
	s := f.s
	s.logger.Warn().
		Int("count", f.counter).
		Int("ceiling", f.cfg.FloodCeiling).
		Str("state", s.State().String()).
		Bool("link_closed", s.linkClosed()).
		Bool("reset_cancelled", f.resetTask != nil && f.resetTask.Cancelled()).
		Msg("client sent too many packets, disconnecting")

	s.metrics.FloodDetected(s.server.Name)
	s.events.Emit(context.Background(), events.New(events.EventFloodDetected, s.source(), events.FloodPayload{
		SessionID: s.id,
		Server:    s.server.Name,
		Host:      s.host.Name(),
		Count:     f.counter,
		Ceiling:   f.cfg.FloodCeiling,
	}))

	s.host.Disconnect(FloodMessage)
	s.Disconnect(ReasonFlood)
}

// ping samples native statistics when the link has them and otherwise
// sends a latency probe, keeping at most one probe outstanding.
func (f *flowController) ping() {
	s := f.s
	if s.IsClosed() {
		return
	}
	if f.native {
		f.sampleNative()
		return
	}

	now := f.now()
	if f.probePending && now.Sub(f.probeSentAt) < f.cfg.ProbeTimeout {
		return
	}
	f.probePending = true
	f.probeSentAt = now
	s.writeBatch(s.single(&protocol.NetworkStackLatency{Timestamp: 0, FromServer: true}))
}

// acknowledge handles the server's echo of a latency probe.
func (f *flowController) acknowledge() {
	if !f.probePending {
		return
	}
	f.probePending = false

	latency := f.now().Sub(f.probeSentAt) / 2
	f.latency.Store(int64(latency))
	f.s.onLatency(latency, 0, false, false)

	f.s.writeBatch(f.s.single(&protocol.TickSync{
		RequestTimestamp:  f.s.host.Ping().Milliseconds(),
		ResponseTimestamp: latency.Milliseconds(),
	}))
}

func (f *flowController) sampleNative() {
	st, err := f.s.link.Stats()
	if err != nil {
		f.s.logger.Debug().Err(err).Msg("failed to sample connection statistics")
		return
	}

	latency := st.RTT / 2
	f.latency.Store(int64(latency))

	loss, ok := f.loss.Sample(st)
	if ok {
		f.lossPct.Store(math.Float64bits(loss))
		f.hasLoss.Store(true)
	}
	f.s.onLatency(latency, loss, ok, true)
}

func (f *flowController) currentLatency() (time.Duration, bool) {
	v := f.latency.Load()
	if v < 0 {
		return 0, false
	}
	return time.Duration(v), true
}

func (f *flowController) currentLoss() (float64, bool) {
	if !f.hasLoss.Load() {
		return 0, false
	}
	return math.Float64frombits(f.lossPct.Load()), true
}
