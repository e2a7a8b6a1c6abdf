// Package monitor aggregates per-server latency and loss samples and raises
// alerts when a server degrades.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/proxytransport/internal/config"
	"github.com/energizer-project/proxytransport/internal/events"
)

const historyLimit = 256

// Sample is one latency measurement.
type Sample struct {
	Timestamp time.Time     `json:"timestamp"`
	Latency   time.Duration `json:"latency_ns"`
	Loss      float64       `json:"loss,omitempty"`
	HasLoss   bool          `json:"has_loss"`
}

// ServerStats is the rolling view of one downstream server.
type ServerStats struct {
	Server       string        `json:"server"`
	TotalSamples int           `json:"total_samples"`
	LastSample   time.Time     `json:"last_sample"`
	MaxLatency   time.Duration `json:"max_latency_ns"`
	AvgLatency   time.Duration `json:"avg_latency_ns"`
	AvgLoss      float64       `json:"avg_loss"`
	Native       bool          `json:"native"`
	History      []Sample      `json:"-"`
}

// Alert is a threshold breach for one server.
type Alert struct {
	Server    string        `json:"server"`
	Average   time.Duration `json:"average_ns"`
	Threshold time.Duration `json:"threshold_ns"`
	Loss      float64       `json:"loss"`
	Samples   int           `json:"samples"`
	Message   string        `json:"message"`
}

// LatencyMonitor tracks latency samples published by sessions.
type LatencyMonitor struct {
	mu       sync.RWMutex
	eventBus *events.EventBus
	cfg      config.MonitorConfig

	servers map[string]*ServerStats
}

// NewLatencyMonitor creates a monitor and subscribes it to latency samples.
func NewLatencyMonitor(cfg config.MonitorConfig, eventBus *events.EventBus) *LatencyMonitor {
	lm := &LatencyMonitor{
		eventBus: eventBus,
		cfg:      cfg,
		servers:  make(map[string]*ServerStats),
	}
	eventBus.Subscribe(events.EventLatencySampled, "latency_monitor", lm.handleSample)
	return lm
}

func (lm *LatencyMonitor) handleSample(_ context.Context, event events.Event) error {
	p, ok := event.Payload.(events.LatencyPayload)
	if !ok {
		return nil
	}
	lm.record(p, event.Time)
	return nil
}

func (lm *LatencyMonitor) record(p events.LatencyPayload, at time.Time) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	data, ok := lm.servers[p.Server]
	if !ok {
		data = &ServerStats{Server: p.Server, History: make([]Sample, 0, historyLimit)}
		lm.servers[p.Server] = data
	}

	data.TotalSamples++
	data.LastSample = at
	data.Native = p.Native
	data.History = append(data.History, Sample{Timestamp: at, Latency: p.Latency, Loss: p.Loss, HasLoss: p.HasLoss})
	if len(data.History) > historyLimit {
		data.History = data.History[len(data.History)-historyLimit:]
	}
	if p.Latency > data.MaxLatency {
		data.MaxLatency = p.Latency
	}

	var (
		total     time.Duration
		lossTotal float64
		lossN     int
	)
	for _, s := range data.History {
		total += s.Latency
		if s.HasLoss {
			lossTotal += s.Loss
			lossN++
		}
	}
	data.AvgLatency = total / time.Duration(len(data.History))
	data.AvgLoss = 0
	if lossN > 0 {
		data.AvgLoss = lossTotal / float64(lossN)
	}
}

// Server returns a copy of the stats for server.
func (lm *LatencyMonitor) Server(server string) (ServerStats, bool) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	data, ok := lm.servers[server]
	if !ok {
		return ServerStats{}, false
	}
	out := *data
	out.History = append([]Sample(nil), data.History...)
	return out, true
}

// All returns the stats of every server, sorted by name, without history.
func (lm *LatencyMonitor) All() []ServerStats {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	result := make([]ServerStats, 0, len(lm.servers))
	for _, v := range lm.servers {
		out := *v
		out.History = nil
		result = append(result, out)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Server < result[j].Server })
	return result
}

// CheckThresholds evaluates every server with enough samples.
func (lm *LatencyMonitor) CheckThresholds() []Alert {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	threshold := time.Duration(lm.cfg.LatencyThresholdMS) * time.Millisecond
	var alerts []Alert
	for name, data := range lm.servers {
		n := len(data.History)
		if n < lm.cfg.MinSamples {
			continue
		}
		latencyBad := threshold > 0 && data.AvgLatency > threshold
		lossBad := lm.cfg.LossThreshold > 0 && data.AvgLoss > lm.cfg.LossThreshold
		if !latencyBad && !lossBad {
			continue
		}
		alerts = append(alerts, Alert{
			Server:    name,
			Average:   data.AvgLatency,
			Threshold: threshold,
			Loss:      data.AvgLoss,
			Samples:   n,
			Message: fmt.Sprintf("Server %s: average latency %s, loss %.3f%% over %d samples",
				name, data.AvgLatency.Round(time.Millisecond), data.AvgLoss, n),
		})
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].Server < alerts[j].Server })
	return alerts
}

// Start runs periodic threshold checks until ctx is cancelled.
func (lm *LatencyMonitor) Start(ctx context.Context) {
	interval := time.Duration(lm.cfg.CheckIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lm.publish(ctx, lm.CheckThresholds())
		}
	}
}

func (lm *LatencyMonitor) publish(ctx context.Context, alerts []Alert) {
	for _, alert := range alerts {
		log.Warn().
			Str("server", alert.Server).
			Dur("average", alert.Average).
			Float64("loss", alert.Loss).
			Int("samples", alert.Samples).
			Msg("latency threshold alert")

		lm.eventBus.Emit(ctx, events.New(events.EventLatencyAlert, "latency_monitor:"+alert.Server,
			events.LatencyAlertPayload{
				Server:    alert.Server,
				Average:   alert.Average,
				Threshold: alert.Threshold,
				Loss:      alert.Loss,
				Samples:   alert.Samples,
			}))
	}
}
