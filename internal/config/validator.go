package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	result := &ValidationResult{}

	validateTransport(&cfg.Transport, result)
	validateQUIC(&cfg.QUIC, result)
	validateServers(cfg.Servers, result)
	validateAPI(&cfg.API, result)
	validateMQTT(&cfg.MQTT, result)
	validateStorage(&cfg.Storage, result)
	validateMonitor(&cfg.Monitor, result)

	return result
}

func validateTransport(t *TransportConfig, result *ValidationResult) {
	if !validWire(t.Wire) {
		result.AddError("transport.wire", fmt.Sprintf("unknown wire version %q (want batch or legacy)", t.Wire))
	}
	if t.ZstdLevel < 1 || t.ZstdLevel > 22 {
		result.AddError("transport.zstd_level", "zstd level must be between 1 and 22")
	}
	if t.MaxFrameBytes < 1024 {
		result.AddError("transport.max_frame_bytes", "max frame size must be at least 1024 bytes")
	}
	if t.MaxDecompressed < t.MaxFrameBytes/4 {
		result.AddWarning("transport.max_decompressed_bytes",
			"decompression bound is small compared to the frame size, large batches will be rejected")
	}
	if t.FloodCeiling < 1 {
		result.AddError("transport.flood_ceiling", "flood ceiling must be at least 1")
	}
	if t.FloodWindowMS < 100 {
		result.AddWarning("transport.flood_window_ms", "flood window under 100ms makes the ceiling meaningless")
	}
	if t.PingIntervalMS < 250 {
		result.AddWarning("transport.ping_interval_ms", "ping interval under 250ms adds probe traffic to every session")
	}
	if t.DialTimeoutMS < 100 {
		result.AddError("transport.dial_timeout_ms", "dial timeout must be at least 100ms")
	}
	if t.EventLoops < 0 {
		result.AddError("transport.event_loops", "event loop count cannot be negative")
	}
}

func validateQUIC(q *QUICConfig, result *ValidationResult) {
	if strings.TrimSpace(q.ALPN) == "" {
		result.AddError("quic.alpn", "ALPN is required")
	}
	if q.KeepAlivePeriodMS >= q.MaxIdleTimeoutMS {
		result.AddWarning("quic.keep_alive_period_ms",
			"keep-alive period is not shorter than the idle timeout, idle pooled connections will drop")
	}
	if q.InitialStreamWindow > q.InitialConnectionWindow {
		result.AddWarning("quic.initial_stream_window", "stream window exceeds the connection window")
	}
	if q.InsecureSkipVerify {
		result.AddWarning("quic.insecure_skip_verify", "server certificates are not verified")
	}
}

func validateServers(servers []ServerConfig, result *ValidationResult) {
	if len(servers) == 0 {
		result.AddWarning("servers", "no downstream servers configured")
	}
	seen := make(map[string]bool, len(servers))
	for i, s := range servers {
		field := fmt.Sprintf("servers[%d]", i)
		if strings.TrimSpace(s.Name) == "" {
			result.AddError(field+".name", "server name is required")
		} else if seen[s.Name] {
			result.AddError(field+".name", fmt.Sprintf("duplicate server name %q", s.Name))
		}
		seen[s.Name] = true

		if _, _, err := net.SplitHostPort(s.Address); err != nil {
			result.AddError(field+".address", fmt.Sprintf("invalid address %q: %v", s.Address, err))
		}
		switch s.Kind {
		case "", "tcp", "quic":
		default:
			result.AddError(field+".kind", fmt.Sprintf("unknown transport kind %q (want tcp or quic)", s.Kind))
		}
		if s.Wire != "" && !validWire(s.Wire) {
			result.AddError(field+".wire", fmt.Sprintf("unknown wire version %q", s.Wire))
		}
	}
}

func validateAPI(a *APIConfig, result *ValidationResult) {
	if !a.Enabled {
		return
	}
	validatePort(a.Port, "api.port", result)
	if a.TLSEnabled {
		if strings.TrimSpace(a.TLSCertFile) == "" {
			result.AddError("api.tls_cert_file", "TLS certificate file is required when TLS is enabled")
		}
		if strings.TrimSpace(a.TLSKeyFile) == "" {
			result.AddError("api.tls_key_file", "TLS key file is required when TLS is enabled")
		}
	}
	if a.RateLimitRPS < 1 {
		result.AddWarning("api.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}
	if a.APIKey == "" {
		result.AddWarning("api.api_key", "no API key set, control routes are unauthenticated")
	}
	for _, ip := range a.IPWhitelist {
		if net.ParseIP(ip) == nil {
			if _, _, err := net.ParseCIDR(ip); err != nil {
				result.AddError("api.ip_whitelist", fmt.Sprintf("invalid IP or CIDR %q", ip))
			}
		}
	}
}

func validateMQTT(m *MQTTConfig, result *ValidationResult) {
	if !m.Enabled {
		return
	}
	if strings.TrimSpace(m.BrokerURL) == "" {
		result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
	}
	if m.Port < 1 || m.Port > 65535 {
		result.AddError("mqtt.port", "invalid MQTT port")
	}
	if m.UseTLS && (m.CertFile == "") != (m.KeyFile == "") {
		result.AddError("mqtt.cert_file", "client certificate and key must be set together")
	}
}

func validateStorage(s *StorageConfig, result *ValidationResult) {
	if !s.DumpsEnabled {
		return
	}
	if strings.TrimSpace(s.DatabasePath) == "" {
		result.AddError("storage.database_path", "database path is required when dumps are enabled")
	}
	if s.RetentionDays < 1 {
		result.AddError("storage.retention_days", "retention days must be at least 1")
	}
	if _, err := time.Parse("15:04", s.CleanupTime); err != nil {
		result.AddError("storage.cleanup_time", fmt.Sprintf("invalid cleanup time %q (want HH:MM)", s.CleanupTime))
	}
}

func validateMonitor(m *MonitorConfig, result *ValidationResult) {
	if !m.Enabled {
		return
	}
	if m.CheckIntervalSec < 10 {
		result.AddWarning("monitor.check_interval_sec", "check interval less than 10s may flood alerts")
	}
	if m.LatencyThresholdMS < 1 {
		result.AddError("monitor.latency_threshold_ms", "latency threshold must be positive")
	}
	if m.LossThreshold < 0 || m.LossThreshold > 100 {
		result.AddError("monitor.loss_threshold_pct", "loss threshold must be between 0 and 100")
	}
}

func validWire(s string) bool {
	switch s {
	case "batch", "legacy":
		return true
	}
	return false
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
