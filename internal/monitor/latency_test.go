package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/energizer-project/proxytransport/internal/config"
	"github.com/energizer-project/proxytransport/internal/events"
)

func sample(bus *events.EventBus, server string, latency time.Duration, loss float64, hasLoss bool) {
	bus.EmitSync(context.Background(), events.New(events.EventLatencySampled, "session", events.LatencyPayload{
		SessionID: "s",
		Server:    server,
		Latency:   latency,
		Loss:      loss,
		HasLoss:   hasLoss,
		Native:    hasLoss,
	}))
}

func TestLatencyMonitorAggregates(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	lm := NewLatencyMonitor(config.MonitorConfig{MinSamples: 1}, bus)

	sample(bus, "lobby", 10*time.Millisecond, 0, false)
	sample(bus, "lobby", 30*time.Millisecond, 0, false)
	sample(bus, "game", 5*time.Millisecond, 2, true)

	lobby, ok := lm.Server("lobby")
	if !ok {
		t.Fatal("no stats for lobby")
	}
	if lobby.TotalSamples != 2 || lobby.AvgLatency != 20*time.Millisecond || lobby.MaxLatency != 30*time.Millisecond {
		t.Errorf("lobby = %+v", lobby)
	}
	if len(lobby.History) != 2 {
		t.Errorf("history = %d samples, want 2", len(lobby.History))
	}

	var names []string
	for _, s := range lm.All() {
		names = append(names, s.Server)
	}
	if diff := cmp.Diff([]string{"game", "lobby"}, names); diff != "" {
		t.Errorf("All order (-want +got):\n%s", diff)
	}
}

func TestLatencyMonitorThresholds(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	lm := NewLatencyMonitor(config.MonitorConfig{
		LatencyThresholdMS: 100,
		LossThreshold:      5,
		MinSamples:         2,
	}, bus)

	sample(bus, "slow", 150*time.Millisecond, 0, false)
	sample(bus, "slow", 250*time.Millisecond, 0, false)
	sample(bus, "lossy", 20*time.Millisecond, 10, true)
	sample(bus, "lossy", 20*time.Millisecond, 8, true)
	sample(bus, "healthy", 20*time.Millisecond, 0, true)
	sample(bus, "healthy", 20*time.Millisecond, 0, true)
	sample(bus, "sparse", 900*time.Millisecond, 0, false)

	alerts := lm.CheckThresholds()
	var got []string
	for _, a := range alerts {
		got = append(got, a.Server)
	}
	if diff := cmp.Diff([]string{"lossy", "slow"}, got); diff != "" {
		t.Fatalf("alerted servers (-want +got):\n%s", diff)
	}
	if alerts[1].Average != 200*time.Millisecond || alerts[1].Threshold != 100*time.Millisecond {
		t.Errorf("slow alert = %+v", alerts[1])
	}
	if alerts[0].Loss != 9 {
		t.Errorf("lossy loss = %v, want 9", alerts[0].Loss)
	}
}

func TestLatencyMonitorPublishesAlerts(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	lm := NewLatencyMonitor(config.MonitorConfig{LatencyThresholdMS: 1, MinSamples: 1}, bus)

	got := make(chan events.LatencyAlertPayload, 1)
	bus.Subscribe(events.EventLatencyAlert, "test", func(_ context.Context, e events.Event) error {
		got <- e.Payload.(events.LatencyAlertPayload)
		return nil
	})

	sample(bus, "lobby", 50*time.Millisecond, 0, false)
	lm.publish(context.Background(), lm.CheckThresholds())

	select {
	case p := <-got:
		if p.Server != "lobby" || p.Samples != 1 {
			t.Errorf("alert = %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no latency alert published")
	}
}
