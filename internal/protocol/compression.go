package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CompressionAlgorithm identifies how a batch payload is compressed.
type CompressionAlgorithm uint8

const (
	CompressionNone CompressionAlgorithm = iota
	CompressionZlib
	CompressionSnappy
	CompressionZstd
)

var compressionNames = map[CompressionAlgorithm]string{
	CompressionNone:   "none",
	CompressionZlib:   "zlib",
	CompressionSnappy: "snappy",
	CompressionZstd:   "zstd",
}

func (a CompressionAlgorithm) String() string {
	if s, ok := compressionNames[a]; ok {
		return s
	}
	return fmt.Sprintf("compression(%d)", uint8(a))
}

// WireVersion selects the compression header table spoken on a link.
type WireVersion uint8

const (
	// WireBatch is the current format: every frame carries an explicit
	// one-byte header from the host table extended with the private zstd tag.
	WireBatch WireVersion = iota
	// WireLegacy is the older ordinal table; pass-through zstd data is sent bare.
	WireLegacy
)

func (w WireVersion) String() string {
	switch w {
	case WireBatch:
		return "batch"
	case WireLegacy:
		return "legacy"
	default:
		return fmt.Sprintf("wire(%d)", uint8(w))
	}
}

// ParseWireVersion parses "batch" or "legacy".
func ParseWireVersion(s string) (WireVersion, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "batch":
		return WireBatch, nil
	case "legacy":
		return WireLegacy, nil
	default:
		return WireBatch, fmt.Errorf("unknown wire version %q", s)
	}
}

// MarshalJSON serializes the wire version as its name.
func (w WireVersion) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.String())
}

// UnmarshalJSON accepts the wire version name.
func (w *WireVersion) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParseWireVersion(s)
	if err != nil {
		return err
	}
	*w = v
	return nil
}
