package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/eigerco/mcad-broker/pkg/log"
	"github.com/eigerco/mcad-broker/pkg/wire"
)

// Receiver is the Wire Receiver component: it binds a stream listener,
// accepts up to MaxAcceptedConnections connections sequentially (never
// concurrently; multi-tenancy is out of scope), and for each
// connection parses size-prefixed, checksum-verified frames and
// dispatches them into the Broker.
//
// Receiver runs on a single goroutine, the single background receiver
// task. Run is meant to be invoked once, from its own goroutine or
// directly as the last thing main does.
type Receiver struct {
	broker                 *Broker
	host                   string
	maxAcceptedConnections int
}

// NewReceiver builds a Receiver bound to host that will feed events into
// broker, accepting at most maxAcceptedConnections connections (0 means
// unbounded).
func NewReceiver(b *Broker, host string, maxAcceptedConnections int) *Receiver {
	if host == "" {
		host = DefaultHost
	}
	return &Receiver{broker: b, host: host, maxAcceptedConnections: maxAcceptedConnections}
}

// Run binds the listener and serves connections until ctx is cancelled
// or the connection budget is exhausted. A bind failure is fatal: it
// logs a diagnostic and terminates the process.
func (r *Receiver) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", r.host)
	if err != nil {
		log.Wire.Fatal().Err(err).Str("host", r.host).Msg("failed to bind listener")
		return err
	}
	defer listener.Close()

	log.Wire.Info().Str("host", r.host).Msg("listening for emulator connections")

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	accepted := 0
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Wire.Error().Err(err).Msg("failed to accept connection")
			continue
		}

		r.handleConnection(ctx, conn)
		accepted++
		if r.maxAcceptedConnections > 0 && accepted >= r.maxAcceptedConnections {
			return nil
		}
	}
}

func (r *Receiver) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log.Wire.Debug().Str("remote", conn.RemoteAddr().String()).Msg("accepted connection")

	for {
		frame, err := wire.ReadFrame(ctx, conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Wire.Debug().Msg("connection closed by peer")
				return
			}
			if errors.Is(err, wire.ErrChecksumMismatch) {
				log.Wire.Error().Err(err).Msg("frame verifier rejected message; closing connection")
				return
			}
			log.Wire.Error().Err(err).Msg("connection read failure; closing connection")
			return
		}

		msg, err := wire.Decode(frame.Payload)
		if err != nil {
			if len(frame.Payload) == 0 || wire.Kind(frame.Payload[0]) <= wire.KindExecTB {
				// An empty payload or a known tag with a truncated body
				// is a malformed message: close the connection.
				log.Wire.Error().Err(err).Msg("malformed message; closing connection")
				return
			}
			// An unrecognized message tag is an internal invariant
			// violation, not a recoverable framing problem: fatal.
			log.Wire.Fatal().Err(err).Msg("unrecognized message tag")
			return
		}

		r.dispatch(msg)
	}
}

func (r *Receiver) dispatch(msg wire.Message) {
	switch m := msg.(type) {
	case wire.LoadMetadata:
		r.broker.HandleLoadMetadata(m.LoadAddr)
	case wire.TranslatedBlock:
		raw := make([][]byte, len(m.Instructions))
		for i, inst := range m.Instructions {
			raw[i] = inst.Data
		}
		r.broker.HandleTranslatedBlock(m.Index, raw)
	case wire.ExecTB:
		if m.IsEndOfStream() {
			log.Wire.Debug().Msg("received end-of-stream sentinel")
			r.broker.HandleEndOfStream()
			return
		}
		accesses := make([]MemAccessRecord, len(m.MemAccesses))
		for i, ma := range m.MemAccesses {
			accesses[i] = MemAccessRecord{
				Index:   ma.Index,
				IsStore: ma.IsStore,
				VAddr:   ma.VAddr,
				Size:    ma.Size,
			}
		}
		r.broker.HandleExecTB(m.Index, m.PC, accesses)
	default:
		log.Wire.Fatal().Msg(fmt.Sprintf("unhandled message type %T", msg))
	}
}
