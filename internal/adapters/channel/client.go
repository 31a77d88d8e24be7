package channel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("client closed")
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 64
)

type Options struct {
	// URL is the relay base url, e.g. ws://localhost:8080.
	URL        string
	Room       domain.RoomID
	Self       domain.ParticipantID
	Name       string
	PingPeriod time.Duration
	ReadLimit  int64
}

// Client is one websocket subscription to a room topic.
type Client struct {
	conn       *websocket.Conn
	pingPeriod time.Duration
	send       chan []byte
	done       chan struct{}

	mu     sync.RWMutex
	closed bool
}

// Endpoint builds the relay websocket url for opts.
func Endpoint(opts Options) (string, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return "", fmt.Errorf("invalid relay url: %w", err)
	}
	u.Path = "/api/ws"
	q := url.Values{}
	q.Set("room", string(opts.Room))
	if opts.Self != "" {
		q.Set("user", string(opts.Self))
	}
	if opts.Name != "" {
		q.Set("name", opts.Name)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func Dial(ctx context.Context, opts Options) (*Client, error) {
	endpoint, err := Endpoint(opts)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	if opts.ReadLimit > 0 {
		conn.SetReadLimit(opts.ReadLimit)
	}
	ping := opts.PingPeriod
	if ping <= 0 {
		ping = 54 * time.Second
	}
	log.Info().Str("module", "channel").Str("room", string(opts.Room)).Str("self", string(opts.Self)).Msg("connected to relay")
	return &Client{
		conn:       conn,
		pingPeriod: ping,
		send:       make(chan []byte, sendBuffer),
		done:       make(chan struct{}),
	}, nil
}

// Whisper queues an addressed message on the room topic without blocking.
func (c *Client) Whisper(event string, payload any) error {
	frame, err := core.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrBackpressure
	}
}

// Run pumps frames until ctx ends, Close is called or the relay hangs up.
func (c *Client) Run(ctx context.Context, d *Dispatcher) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readPump(ctx, d) })
	g.Go(func() error { return c.writePump(ctx) })
	err := g.Wait()
	_ = c.conn.Close()
	if errors.Is(err, ErrClosed) || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return err
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

func (c *Client) readPump(ctx context.Context, d *Dispatcher) error {
	pongWait := c.pingPeriod * 10 / 9
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	c.conn.SetPingHandler(func(data string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return ErrClosed
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			log.Warn().Err(err).Str("module", "channel").Msg("read pump stopped")
			return err
		}
		if err := d.Dispatch(ctx, data); err != nil {
			log.Error().Err(err).Str("module", "channel").Msg("dispatch")
		}
	}
}

func (c *Client) writePump(ctx context.Context) error {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = c.conn.Close()
			return ctx.Err()
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			_ = c.conn.Close()
			return ErrClosed
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}
