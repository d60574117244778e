// Package transport owns the persistent duplex socket to the server. It
// performs no retries itself: connection errors and abrupt closure both
// surface as a single disconnected signal on the state channel, and the
// reconnection controller decides what happens next.
package transport

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/PetertheMD/nautune-sub003/wire"
)

const (
	defaultHandshakeTimeout   = 3 * time.Second
	defaultReadBufferSize     = 10000
	defaultWriteBufferSize    = 10000
	defaultMaxMessageSize     = 64 * 1024
	defaultWriteDeadline      = 5 * time.Second
	defaultCloseWriteDeadline = 2 * time.Second

	inboundBuffer  = 32
	stateBuffer    = 4
	outboundBuffer = 16
)

var (
	ErrConnect      = errors.New("unable to connect")
	ErrNotConnected = errors.New("not connected")
	ErrBadURL       = errors.New("unable to derive socket url")
)

type Config struct {
	Logger      *zerolog.Logger
	Clock       clock.Clock
	BaseURL     string
	AccessToken string
	DeviceID    string
}

// Connection is a reconnectable socket client. Inbound and state channels
// stay stable across Connect calls so consumers subscribe once.
type Connection struct {
	logger  zerolog.Logger
	clk     clock.Clock
	url     string
	dialer  *websocket.Dialer
	inbound chan wire.Message
	state   chan bool
	out     chan []byte

	mu   sync.Mutex
	conn *websocket.Conn
}

func New(cfg Config) (*Connection, error) {
	u, err := DeriveURL(cfg.BaseURL, cfg.AccessToken, cfg.DeviceID)
	if err != nil {
		return nil, err
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Connection{
		logger: cfg.Logger.With().Str("component", "transport").Logger(),
		clk:    clk,
		url:    u,
		dialer: &websocket.Dialer{
			HandshakeTimeout: defaultHandshakeTimeout,
			ReadBufferSize:   defaultReadBufferSize,
			WriteBufferSize:  defaultWriteBufferSize,
		},
		inbound: make(chan wire.Message, inboundBuffer),
		state:   make(chan bool, stateBuffer),
		out:     make(chan []byte, outboundBuffer),
	}, nil
}

// DeriveURL rewrites the server base URL into the socket endpoint:
// scheme http becomes ws (https becomes wss) and the access token and
// device id ride as query parameters.
func DeriveURL(base, token, deviceID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", errors.Join(ErrBadURL, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", ErrBadURL
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/socket"
	q := u.Query()
	q.Set("api_key", token)
	q.Set("deviceId", deviceID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Inbound is the stream of decoded messages. Keepalive frames are echoed
// by the connection itself and never appear here.
func (c *Connection) Inbound() <-chan wire.Message {
	return c.inbound
}

// StateChanges emits true on connect and false once per disconnection.
func (c *Connection) StateChanges() <-chan bool {
	return c.state
}

// Connect dials the socket and starts the sender/receiver pair. Calling
// it again establishes a fresh connection; a previous one still alive is
// retired first so only one socket ever feeds the inbound channel.
func (c *Connection) Connect(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return errors.Join(ErrConnect, err)
	}
	conn.SetReadLimit(defaultMaxMessageSize)

	stop := make(chan struct{})
	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	// One disconnected signal no matter which side fails first, and none
	// at all from a superseded connection.
	var once sync.Once
	down := func() {
		once.Do(func() {
			close(stop)
			c.mu.Lock()
			current := c.conn == conn
			if current {
				c.conn = nil
			}
			c.mu.Unlock()
			if current {
				c.signal(false)
			}
		})
	}
	go c.receiver(conn, down)
	go c.sender(conn, stop, down)

	c.logger.Debug().Str("url", redacted(c.url)).Msg("connected")
	c.signal(true)
	return nil
}

// Send queues a raw frame for transmission.
func (c *Connection) Send(frame []byte) error {
	c.mu.Lock()
	connected := c.conn != nil
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	select {
	case c.out <- frame:
		return nil
	default:
		return errors.New("outbound queue full")
	}
}

// Close tears the connection down without emitting a disconnected
// signal; an intentional shutdown is not an outage.
func (c *Connection) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := conn.SetWriteDeadline(c.clk.Now().Add(defaultCloseWriteDeadline)); err == nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	return conn.Close()
}

func (c *Connection) signal(up bool) {
	select {
	case c.state <- up:
	default:
		c.logger.Error().Bool("up", up).Msg("state signal dropped, consumer stalled")
	}
}

func (c *Connection) receiver(conn *websocket.Conn, down func()) {
	defer down()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				c.logger.Warn().Err(err).Msg("connection closed")
			} else {
				c.logger.Error().Err(err).Msg("unexpected error during receive")
			}
			return
		}

		msg := wire.Decode(raw)
		switch msg.Kind {
		case wire.KindUnknown:
			c.logger.Debug().Str("frame", trim(raw)).Msg("discarding unrecognized message")
		case wire.KindKeepAlive:
			// Echoed right here; the session actor never sees these.
			c.logger.Trace().Msg("keepalive echoed")
			if err := c.Send(wire.EncodeKeepAlive()); err != nil {
				c.logger.Error().Err(err).Msg("failed to queue keepalive echo")
			}
		default:
			select {
			case c.inbound <- msg:
			default:
				c.logger.Error().Str("kind", msg.Kind.String()).Msg("inbound queue full, message dropped")
			}
		}
	}
}

func (c *Connection) sender(conn *websocket.Conn, stop <-chan struct{}, down func()) {
	defer down()
SendLoop:
	for {
		select {
		case <-stop:
			break SendLoop
		case frame := <-c.out:
			if err := conn.SetWriteDeadline(c.clk.Now().Add(defaultWriteDeadline)); err != nil {
				c.logger.Error().Err(err).Msg("failed to set write deadline")
				break SendLoop
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Error().Err(err).Msg("failed to write outgoing message")
				break SendLoop
			}
		}
	}
}

func redacted(u string) string {
	if i := strings.Index(u, "api_key="); i >= 0 {
		return u[:i] + "api_key=***"
	}
	return u
}

func trim(raw []byte) string {
	const max = 256
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}
