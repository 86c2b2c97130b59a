package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

type WSOptions struct {
	// Sent as a bearer token during the handshake when set
	Token        string
	WriteTimeout time.Duration
	// Defaults to the global logger
	Logger       *zerolog.Logger
}

type WSRoom struct {
	*mailbox
	conn         *websocket.Conn
	ctx          context.Context
	cancel       context.CancelFunc
	writeTimeout time.Duration
	log          zerolog.Logger
}

var _ Room = (*WSRoom)(nil)

func WriteTimeout(ctx context.Context, timeout time.Duration, c *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Write(ctx, websocket.MessageBinary, msg)
}

// DialWS connects to a websocket endpoint and starts reading from it.
func DialWS(ctx context.Context, url string, options WSOptions) (*WSRoom, error) {
	header := http.Header{}
	if options.Token != "" {
		header.Set("Authorization", "Bearer "+options.Token)
	}

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("could not dial %s: %w", url, err)
	}

	return WrapWS(conn, options), nil
}

// WrapWS turns an established websocket connection into a room.
func WrapWS(conn *websocket.Conn, options WSOptions) *WSRoom {
	if options.WriteTimeout == 0 {
		options.WriteTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	room := &WSRoom{
		mailbox:      newMailbox(),
		conn:         conn,
		ctx:          ctx,
		cancel:       cancel,
		writeTimeout: options.WriteTimeout,
		log:          baseLogger(options.Logger).With().Str("transport", "ws").Logger(),
	}
	room.open.Store(true)

	go room.poll()
	return room
}

func closeCode(err error) int {
	status := websocket.CloseStatus(err)
	if status == -1 {
		return CloseAbnormal
	}
	return int(status)
}

func (r *WSRoom) poll() {
	defer r.cancel()

	for {
		typ, message, err := r.conn.Read(r.ctx)
		if err != nil {
			code := closeCode(err)
			r.log.Debug().Err(err).Int("code", code).Msg("read loop ended")
			r.leave(code, err.Error())
			return
		}

		if typ != websocket.MessageBinary {
			continue
		}

		frame, err := DecodeFrame(message)
		if err != nil {
			r.emit(Event{
				Kind:    EventError,
				Code:    int(websocket.StatusUnsupportedData),
				Message: err.Error(),
			})
			continue
		}

		r.emit(Event{
			Kind: EventMessage,
			Type: frame.Type,
			Data: frame.Data,
		})
	}
}

func (r *WSRoom) Send(typ string, data []byte) error {
	if !r.IsOpen() {
		return ErrClosed
	}

	bytes, err := EncodeFrame(typ, data)
	if err != nil {
		return err
	}

	return WriteTimeout(r.ctx, r.writeTimeout, r.conn, bytes)
}

func (r *WSRoom) Close(code int, reason string) error {
	if !r.closing(code) {
		return nil
	}

	err := r.conn.Close(websocket.StatusCode(code), reason)
	r.cancel()
	r.leave(code, reason)
	return err
}
