package fanout

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/charleschow/ticket-watch/internal/events"
	"github.com/charleschow/ticket-watch/internal/telemetry"
)

const (
	minBackoff = 1 * time.Second
	maxBackoff = 30 * time.Second
)

// Client subscribes to a watcher's feed and hands each decoded event to
// handle.
type Client struct {
	addr   string
	types  []events.EventType
	handle func(FeedEvent)
}

func NewClient(addr string, types []events.EventType, handle func(FeedEvent)) *Client {
	return &Client{
		addr:   addr,
		types:  types,
		handle: handle,
	}
}

// ConnectWithRetry connects to the feed and reconnects on failure with
// exponential backoff. Blocks until ctx is cancelled.
func (c *Client) ConnectWithRetry(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		connStart := time.Now()
		err := c.Connect(ctx)
		if ctx.Err() != nil {
			return
		}

		if time.Since(connStart) > time.Minute {
			attempt = 0
		}

		attempt++
		backoff := time.Duration(float64(minBackoff) * math.Pow(2, float64(min(attempt-1, 5))))
		if backoff > maxBackoff {
			backoff = maxBackoff
		}

		if err != nil {
			telemetry.Warnf("fanout: connection lost (attempt %d): %v, retrying in %s", attempt, err, backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func (c *Client) url() string {
	u := url.URL{Scheme: "ws", Host: c.addr, Path: "/ws"}
	if len(c.types) > 0 {
		names := make([]string, len(c.types))
		for i, t := range c.types {
			names[i] = string(t)
		}
		u.RawQuery = url.Values{"types": {strings.Join(names, ",")}}.Encode()
	}
	return u.String()
}

// Connect reads one connection until it fails or ctx ends.
func (c *Client) Connect(ctx context.Context) error {
	u := c.url()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	telemetry.Infof("fanout: connected to %s", c.addr)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}

		evt, err := UnmarshalEvent(msg)
		if err != nil {
			telemetry.Warnf("fanout: unmarshal error: %v", err)
			continue
		}

		c.handle(evt)
	}
}
