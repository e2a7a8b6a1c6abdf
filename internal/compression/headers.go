// Package compression implements the per-batch compression layer: the
// versioned one-byte algorithm headers, the bounded compressors and the
// pass-through aware batch codec.
package compression

import (
	"bytes"

	"github.com/energizer-project/proxytransport/internal/protocol"
)

// PrivateZstdHeader is the header byte the proxy uses for zstd on the
// current wire. It lives outside the host's registry so it can never
// shadow a host algorithm.
const PrivateZstdHeader byte = 0xFE

// zstdMagic starts every zstd frame.
var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

type headerTable struct {
	toHeader   map[protocol.CompressionAlgorithm]byte
	fromHeader map[byte]protocol.CompressionAlgorithm
}

func newHeaderTable(entries map[protocol.CompressionAlgorithm]byte) headerTable {
	t := headerTable{
		toHeader:   entries,
		fromHeader: make(map[byte]protocol.CompressionAlgorithm, len(entries)),
	}
	for alg, h := range entries {
		t.fromHeader[h] = alg
	}
	return t
}

var (
	// hostTable is the host's own registry for the current wire.
	hostTable = newHeaderTable(map[protocol.CompressionAlgorithm]byte{
		protocol.CompressionZlib:   0x00,
		protocol.CompressionSnappy: 0x01,
		protocol.CompressionNone:   0xFF,
	})

	// legacyTable is the ordinal table of the legacy wire.
	legacyTable = newHeaderTable(map[protocol.CompressionAlgorithm]byte{
		protocol.CompressionZlib:   0x00,
		protocol.CompressionZstd:   0x01,
		protocol.CompressionSnappy: 0x02,
	})
)

// HostAlgorithm looks a header up in the host table alone.
func HostAlgorithm(header byte) (protocol.CompressionAlgorithm, bool) {
	alg, ok := hostTable.fromHeader[header]
	return alg, ok
}

// HeaderFor returns the header byte announcing alg on the given wire.
func HeaderFor(wire protocol.WireVersion, alg protocol.CompressionAlgorithm) (byte, bool) {
	switch wire {
	case protocol.WireBatch:
		if alg == protocol.CompressionZstd {
			return PrivateZstdHeader, true
		}
		h, ok := hostTable.toHeader[alg]
		return h, ok
	case protocol.WireLegacy:
		h, ok := legacyTable.toHeader[alg]
		return h, ok
	default:
		return 0, false
	}
}

// AlgorithmFor maps a header byte back to its algorithm on the given wire.
func AlgorithmFor(wire protocol.WireVersion, header byte) (protocol.CompressionAlgorithm, bool) {
	switch wire {
	case protocol.WireBatch:
		if header == PrivateZstdHeader {
			return protocol.CompressionZstd, true
		}
		return HostAlgorithm(header)
	case protocol.WireLegacy:
		alg, ok := legacyTable.fromHeader[header]
		return alg, ok
	default:
		return protocol.CompressionNone, false
	}
}

// isBareZstd reports whether data is a zstd frame sent without a header.
func isBareZstd(data []byte) bool {
	return bytes.HasPrefix(data, zstdMagic)
}
