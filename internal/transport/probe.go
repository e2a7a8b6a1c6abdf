package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/energizer-project/proxytransport/internal/batch"
	"github.com/energizer-project/proxytransport/internal/network"
	"github.com/energizer-project/proxytransport/internal/protocol"
)

// Probe opens a throwaway link to server, sends one latency probe and
// returns the round trip time of its echo. Frames that carry no probe are
// skipped.
func (t *Transport) Probe(ctx context.Context, server network.ServerInfo) (time.Duration, error) {
	if err := server.Validate(); err != nil {
		return 0, err
	}
	codec := t.codecs[server.Wire]

	link, err := t.dialer(server.Kind).Dial(ctx, server)
	if err != nil {
		return 0, err
	}
	defer link.Close()
	stop := context.AfterFunc(ctx, func() { link.Close() })
	defer stop()

	b := batch.Of(0, &protocol.NetworkStackLatency{Timestamp: 0, FromServer: true})
	b.SetAlgorithm(protocol.CompressionZstd)
	defer b.Release()
	if err := batch.NewAssembler(t.opts.Packets).AssembleInto(b); err != nil {
		return 0, err
	}
	parts, err := codec.Encode(b)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	if err := link.WriteFrame(parts...); err != nil {
		return 0, fmt.Errorf("failed to send probe to %s: %w", server, err)
	}

	echoed := false
	disasm := &batch.Disassembler{
		Codec:          t.opts.Packets,
		Wants:          func(uint32) bool { return false },
		OnLatencyProbe: func() { echoed = true },
	}
	for !echoed {
		frame, err := link.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, fmt.Errorf("failed to read probe reply from %s: %w", server, err)
		}
		reply, err := codec.Decode(frame)
		if err != nil {
			return 0, err
		}
		err = disasm.Disassemble(reply)
		reply.Release()
		if err != nil {
			return 0, err
		}
	}
	rtt := time.Since(start)
	t.opts.Metrics.ObserveLatency(server.Name, rtt/2)
	return rtt, nil
}
