package util

import (
	"fmt"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemInfo describes the machine the proxy runs on.
type SystemInfo struct {
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	Kernel       string `json:"kernel"`
	Architecture string `json:"architecture"`
	CPUModel     string `json:"cpu_model"`
	CPUThreads   int    `json:"cpu_threads"`
	TotalMemory  uint64 `json:"total_memory_mb"`
	GoVersion    string `json:"go_version"`
}

// GetSystemInfo gathers static system information.
func GetSystemInfo() SystemInfo {
	info := SystemInfo{
		Architecture: runtime.GOARCH,
		CPUThreads:   runtime.NumCPU(),
		GoVersion:    runtime.Version(),
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}
	if hostInfo, err := host.Info(); err == nil {
		info.OS = fmt.Sprintf("%s %s", hostInfo.Platform, hostInfo.PlatformVersion)
		info.Kernel = hostInfo.KernelVersion
	}
	if cpuInfo, err := cpu.Info(); err == nil && len(cpuInfo) > 0 {
		info.CPUModel = cpuInfo[0].ModelName
	}
	if memInfo, err := mem.VirtualMemory(); err == nil {
		info.TotalMemory = memInfo.Total / (1024 * 1024)
	}
	return info
}

// ResourceUsage is a point-in-time view of host and process load.
type ResourceUsage struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryUsedPct  float64 `json:"memory_used_percent"`
	ProcessRSSMB   uint64  `json:"process_rss_mb"`
	ProcessThreads int32   `json:"process_threads"`
	ProcessFDs     int32   `json:"process_fds,omitempty"`
	Goroutines     int     `json:"goroutines"`
	TCPConnections int     `json:"tcp_connections"`
	UDPSockets     int     `json:"udp_sockets"`
	UptimeSec      uint64  `json:"uptime_sec"`
	CollectedAt    int64   `json:"collected_at"`
}

var processStart = time.Now()

// GetResourceUsage samples current CPU, memory and socket usage. Fields
// that cannot be read on this platform stay zero.
func GetResourceUsage() ResourceUsage {
	usage := ResourceUsage{
		Goroutines:  runtime.NumGoroutine(),
		UptimeSec:   uint64(time.Since(processStart).Seconds()),
		CollectedAt: time.Now().Unix(),
	}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		usage.CPUPercent = pct[0]
	}
	if memInfo, err := mem.VirtualMemory(); err == nil {
		usage.MemoryUsedPct = memInfo.UsedPercent
	}

	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if m, err := p.MemoryInfo(); err == nil {
			usage.ProcessRSSMB = m.RSS / (1024 * 1024)
		}
		if n, err := p.NumThreads(); err == nil {
			usage.ProcessThreads = n
		}
		if n, err := p.NumFDs(); err == nil {
			usage.ProcessFDs = n
		}
		if conns, err := psnet.ConnectionsPid("tcp", p.Pid); err == nil {
			usage.TCPConnections = len(conns)
		}
		if conns, err := psnet.ConnectionsPid("udp", p.Pid); err == nil {
			usage.UDPSockets = len(conns)
		}
	}
	return usage
}

// GetLocalIP returns the primary non-loopback IPv4 address.
func GetLocalIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
			return ipNet.IP.String(), nil
		}
	}
	return "127.0.0.1", nil
}
