package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/sasha-s/go-deadlock"
	kcp "github.com/xtaci/kcp-go/v5"
)

const (
	MaxFrameSize = 4096

	// Sent as the last frame before a graceful close; Data is the close code.
	closeFrameType = "$close"
)

type StreamOptions struct {
	Protocol       string // "tcp" (default) or "kcp"
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	// Defaults to the global logger
	Logger         *zerolog.Logger
}

// StreamRoom carries length-prefixed frames over a reliable byte stream.
type StreamRoom struct {
	*mailbox
	conn         net.Conn
	writeMutex   deadlock.Mutex
	writeTimeout time.Duration
	log          zerolog.Logger
}

var _ Room = (*StreamRoom)(nil)

func dialStream(ctx context.Context, addr string, options StreamOptions) (net.Conn, error) {
	switch options.Protocol {
	case "", "tcp":
		dialer := net.Dialer{Timeout: options.ConnectTimeout}
		return dialer.DialContext(ctx, "tcp", addr)
	case "kcp":
		conn, err := kcp.DialWithOptions(addr, nil, 0, 0)
		if err != nil {
			return nil, err
		}
		conn.SetStreamMode(true)
		return conn, nil
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", options.Protocol)
	}
}

func DialStream(ctx context.Context, addr string, options StreamOptions) (*StreamRoom, error) {
	if options.ConnectTimeout == 0 {
		options.ConnectTimeout = 5 * time.Second
	}

	conn, err := dialStream(ctx, addr, options)
	if err != nil {
		return nil, fmt.Errorf("could not dial %s: %w", addr, err)
	}

	return WrapStream(conn, options), nil
}

func WrapStream(conn net.Conn, options StreamOptions) *StreamRoom {
	if options.WriteTimeout == 0 {
		options.WriteTimeout = 5 * time.Second
	}

	protocol := options.Protocol
	if protocol == "" {
		protocol = "tcp"
	}

	room := &StreamRoom{
		mailbox:      newMailbox(),
		conn:         conn,
		writeTimeout: options.WriteTimeout,
		log:          baseLogger(options.Logger).With().Str("transport", protocol).Logger(),
	}
	room.open.Store(true)

	go room.poll()
	return room
}

func (r *StreamRoom) poll() {
	for {
		var length uint32
		if err := binary.Read(r.conn, binary.BigEndian, &length); err != nil {
			r.ended(err)
			return
		}

		if length > MaxFrameSize {
			r.emit(Event{
				Kind:    EventError,
				Code:    CloseAbnormal,
				Message: fmt.Sprintf("frame too large (%d bytes)", length),
			})
			r.conn.Close()
			r.leave(CloseAbnormal, ErrFrameTooLarge.Error())
			return
		}

		if length == 0 {
			continue
		}

		data := make([]byte, length)
		if _, err := io.ReadFull(r.conn, data); err != nil {
			r.ended(err)
			return
		}

		frame, err := DecodeFrame(data)
		if err != nil {
			r.emit(Event{
				Kind:    EventError,
				Message: err.Error(),
			})
			continue
		}

		if frame.Type == closeFrameType {
			code, err := strconv.Atoi(string(frame.Data))
			if err != nil {
				code = CloseAbnormal
			}
			r.conn.Close()
			r.leave(code, "closed by peer")
			return
		}

		r.emit(Event{
			Kind: EventMessage,
			Type: frame.Type,
			Data: frame.Data,
		})
	}
}

func (r *StreamRoom) ended(err error) {
	if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		r.log.Debug().Err(err).Msg("read loop ended")
	}
	r.conn.Close()
	r.leave(CloseAbnormal, err.Error())
}

func (r *StreamRoom) write(typ string, data []byte) error {
	bytes, err := EncodeFrame(typ, data)
	if err != nil {
		return err
	}

	if len(bytes) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(bytes))
	}

	buffer := make([]byte, 4+len(bytes))
	binary.BigEndian.PutUint32(buffer, uint32(len(bytes)))
	copy(buffer[4:], bytes)

	r.writeMutex.Lock()
	defer r.writeMutex.Unlock()

	if err := r.conn.SetWriteDeadline(time.Now().Add(r.writeTimeout)); err != nil {
		return err
	}
	_, err = r.conn.Write(buffer)
	return err
}

func (r *StreamRoom) Send(typ string, data []byte) error {
	if !r.IsOpen() {
		return ErrClosed
	}
	return r.write(typ, data)
}

func (r *StreamRoom) Close(code int, reason string) error {
	if !r.closing(code) {
		return nil
	}

	// Best effort; the peer may already be gone.
	if err := r.write(closeFrameType, []byte(strconv.Itoa(code))); err != nil {
		r.log.Debug().Err(err).Msg("could not send close frame")
	}

	err := r.conn.Close()
	r.leave(code, reason)
	return err
}
