package transport

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
	"go.uber.org/zap"

	"github.com/san-kum/pidtune/internal/episode"
)

const (
	DefaultTelemetryID uint32 = 0x310
	DefaultCommandID   uint32 = 0x311
)

// FrameCodec maps samples and commands onto 8-byte frames holding two
// little-endian float32 values.
type FrameCodec struct {
	TelemetryID uint32
	CommandID   uint32
}

func DefaultFrameCodec() FrameCodec {
	return FrameCodec{TelemetryID: DefaultTelemetryID, CommandID: DefaultCommandID}
}

func (c FrameCodec) pack(id uint32, a, b float64) (can.Frame, error) {
	f := can.Frame{ID: id, Length: 8}
	f.Data.SetUnsignedBitsLittleEndian(0, 32, uint64(math.Float32bits(float32(a))))
	f.Data.SetUnsignedBitsLittleEndian(32, 32, uint64(math.Float32bits(float32(b))))
	if err := f.Validate(); err != nil {
		return can.Frame{}, fmt.Errorf("transport: frame 0x%X: %w", id, err)
	}
	return f, nil
}

func (c FrameCodec) unpack(f can.Frame, id uint32) (float64, float64, error) {
	if f.ID != id {
		return 0, 0, fmt.Errorf("%w: frame id 0x%X, want 0x%X", ErrMalformedMessage, f.ID, id)
	}
	if f.IsRemote || f.Length != 8 {
		return 0, 0, fmt.Errorf("%w: frame 0x%X has length %d", ErrMalformedMessage, f.ID, f.Length)
	}
	a := math.Float32frombits(uint32(f.Data.UnsignedBitsLittleEndian(0, 32)))
	b := math.Float32frombits(uint32(f.Data.UnsignedBitsLittleEndian(32, 32)))
	return float64(a), float64(b), nil
}

func (c FrameCodec) EncodeTelemetry(cte, speed float64) (can.Frame, error) {
	return c.pack(c.TelemetryID, cte, speed)
}

func (c FrameCodec) DecodeTelemetry(f can.Frame) (cte, speed float64, err error) {
	return c.unpack(f, c.TelemetryID)
}

func (c FrameCodec) EncodeCommand(cmd episode.Command) (can.Frame, error) {
	return c.pack(c.CommandID, cmd.Steering, cmd.Throttle)
}

func (c FrameCodec) DecodeCommand(f can.Frame) (episode.Command, error) {
	s, t, err := c.unpack(f, c.CommandID)
	return episode.Command{Steering: s, Throttle: t}, err
}

// FrameReceiver is satisfied by *socketcan.Receiver.
type FrameReceiver interface {
	Receive() bool
	Frame() can.Frame
	Err() error
}

// FrameTransmitter is satisfied by *socketcan.Transmitter.
type FrameTransmitter interface {
	TransmitFrame(ctx context.Context, f can.Frame) error
}

// CANBus runs one session over a CAN bus.
type CANBus struct {
	Codec    FrameCodec
	Sessions Opener
	Log      *zap.Logger
}

// Dial opens a SocketCAN interface such as vcan0.
func Dial(ctx context.Context, iface string) (net.Conn, error) {
	conn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return nil, fmt.Errorf("socketcan dial %s: %w", iface, err)
	}
	return conn, nil
}

// Serve dials iface and runs a session on it until a terminal outcome or
// ctx cancellation.
func (b *CANBus) Serve(ctx context.Context, iface string) (*episode.Summary, error) {
	conn, err := Dial(ctx, iface)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	sum, err := b.Run(ctx, socketcan.NewReceiver(conn), socketcan.NewTransmitter(conn))
	if ctx.Err() != nil {
		return sum, nil
	}
	return sum, err
}

// Run answers telemetry frames from rx on tx. Frames with other ids are
// skipped. The summary is nil when the bus closed before a terminal outcome.
func (b *CANBus) Run(ctx context.Context, rx FrameReceiver, tx FrameTransmitter) (*episode.Summary, error) {
	log := b.Log
	if log == nil {
		log = zap.NewNop()
	}
	sess, err := b.Sessions.New("can")
	if err != nil {
		return nil, err
	}
	log = log.With(zap.String("session", sess.ID))
	defer func() {
		if err := sess.Close(); err != nil {
			log.Error("close session", zap.Error(err))
		}
	}()

	for rx.Receive() {
		f := rx.Frame()
		if f.ID != b.Codec.TelemetryID {
			continue
		}
		cte, speed, err := b.Codec.DecodeTelemetry(f)
		if err != nil {
			log.Warn("drop frame", zap.Error(err))
			continue
		}

		res, err := sess.Handle(cte, speed)
		if res.Outcome.Terminal() {
			return res.Summary, err
		}
		if err != nil {
			if errors.Is(err, episode.ErrInvalidSample) {
				continue
			}
			return nil, err
		}

		out, err := b.Codec.EncodeCommand(res.Command)
		if err != nil {
			return nil, err
		}
		if err := tx.TransmitFrame(ctx, out); err != nil {
			return nil, fmt.Errorf("transmit command: %w", err)
		}
	}
	if err := rx.Err(); err != nil {
		return nil, fmt.Errorf("receive telemetry: %w", err)
	}
	return nil, nil
}
