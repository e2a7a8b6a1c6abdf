// Package cli renders transport state for the command line, either read
// from a running process's admin API or produced locally.
package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/energizer-project/proxytransport/internal/db"
	"github.com/energizer-project/proxytransport/internal/monitor"
	"github.com/energizer-project/proxytransport/internal/network"
	"github.com/energizer-project/proxytransport/internal/session"
)

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

// PrintSessions writes one row per session.
func PrintSessions(w io.Writer, sessions []session.Info, now time.Time) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No open sessions.")
		return
	}

	tw := newTable(w, "ID", "Server", "Kind", "Host", "State", "Handler", "Latency", "Loss", "Age")
	for _, s := range sessions {
		latency := "-"
		if s.LatencyMS >= 0 {
			latency = fmt.Sprintf("%dms", s.LatencyMS)
		}
		loss := "-"
		if s.Loss != nil {
			loss = fmt.Sprintf("%.3f%%", *s.Loss)
		}
		handler := s.Handler
		if handler == "" {
			handler = "-"
		}
		tw.Append([]string{
			shortID(s.ID),
			s.Server,
			string(s.Kind),
			s.Host,
			s.State.String(),
			handler,
			latency,
			loss,
			now.Sub(s.CreatedAt).Round(time.Second).String(),
		})
	}
	tw.Render()
	fmt.Fprintf(w, "%d session(s)\n", len(sessions))
}

// PrintPool writes the pooled multiplexed connections.
func PrintPool(w io.Writer, entries []network.PoolEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No pooled connections.")
		return
	}
	tw := newTable(w, "Address", "Connected")
	for _, e := range entries {
		tw.Append([]string{e.Address, strconv.FormatBool(e.Connected)})
	}
	tw.Render()
}

// PrintLatency writes per-server latency aggregates.
func PrintLatency(w io.Writer, servers []monitor.ServerStats) {
	if len(servers) == 0 {
		fmt.Fprintln(w, "No latency samples yet.")
		return
	}
	tw := newTable(w, "Server", "Samples", "Average", "Max", "Loss", "Source")
	for _, s := range servers {
		source := "probe"
		if s.Native {
			source = "tcp_info"
		}
		tw.Append([]string{
			s.Server,
			strconv.Itoa(s.TotalSamples),
			s.AvgLatency.Round(time.Millisecond).String(),
			s.MaxLatency.Round(time.Millisecond).String(),
			fmt.Sprintf("%.3f%%", s.AvgLoss),
			source,
		})
	}
	tw.Render()
}

// PrintDumps writes stored buffer dump summaries.
func PrintDumps(w io.Writer, dumps []db.Dump) {
	if len(dumps) == 0 {
		fmt.Fprintln(w, "No buffer dumps stored.")
		return
	}
	tw := newTable(w, "ID", "Time", "Server", "Session", "State", "Size", "Error")
	for _, d := range dumps {
		tw.Append([]string{
			d.ID,
			d.CreatedAt.Format(time.RFC3339),
			d.Server,
			shortID(d.SessionID),
			d.State,
			strconv.Itoa(d.Size),
			d.Error,
		})
	}
	tw.Render()
}

// PrintProbe writes the result of a latency probe.
func PrintProbe(w io.Writer, server network.ServerInfo, rtt time.Duration) {
	tw := newTable(w, "Server", "Address", "Kind", "RTT", "Latency")
	tw.Append([]string{
		server.Name,
		server.Address,
		string(server.Kind),
		rtt.Round(time.Microsecond).String(),
		(rtt / 2).Round(time.Microsecond).String(),
	})
	tw.Render()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
