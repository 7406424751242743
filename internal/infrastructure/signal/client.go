package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"
	"callcore/internal/core/services"
	"callcore/pkg/retry"
	"callcore/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrRejected means the relay refused the token; dialing again will not help.
var ErrRejected = errors.New("relay rejected credentials")

type ClientOptions struct {
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	Retry            retry.Config
}

func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		Retry:            retry.DefaultConfig(),
	}
}

// Client is the call-side end of the relay. It implements
// ports.SignalingChannel.
type Client struct {
	conn *websocket.Conn
	opts ClientOptions
	bus  *services.EventBus[domain.SignalMessage]

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	readDone  chan struct{}

	logger *zap.SugaredLogger
}

// Dial connects to the relay at url, retrying transient failures.
func Dial(ctx context.Context, url, token string, opts ClientOptions, logger *zap.SugaredLogger) (*Client, error) {
	if err := validation.ValidateSignalURL(url); err != nil {
		return nil, &domain.SignalingError{Op: "dial", Err: err}
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	cfg := opts.Retry
	cfg.Permanent = append(cfg.Permanent, ErrRejected)

	attempt := 0
	conn, err := retry.DoWithResult(ctx, cfg, func(ctx context.Context) (*websocket.Conn, error) {
		attempt++
		conn, resp, err := dialer.DialContext(ctx, url, header)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return nil, fmt.Errorf("%w: %s", ErrRejected, resp.Status)
			}
			logger.Debugw("relay dial failed", "url", url, "attempt", attempt, "error", err)
			return nil, err
		}
		return conn, nil
	})
	if err != nil {
		return nil, &domain.SignalingError{Op: "dial", Err: err}
	}

	c := &Client{
		conn:     conn,
		opts:     opts,
		bus:      services.NewEventBus[domain.SignalMessage](),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
		logger:   logger,
	}
	go c.readLoop()

	logger.Infow("connected to relay", "url", url, "attempts", attempt)
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.readDone)
	for {
		var msg domain.SignalMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.logger.Warnw("relay connection lost", "error", err)
			if lost, err := domain.NewSignalMessage(domain.MsgError, "", "", "", domain.ErrorPayload{
				Message: "signaling connection lost",
			}); err == nil {
				c.bus.Publish(lost)
			}
			return
		}
		c.bus.Publish(msg)
	}
}

func (c *Client) Send(ctx context.Context, msg domain.SignalMessage) error {
	select {
	case <-c.done:
		return domain.ErrNotConnected
	case <-c.readDone:
		return domain.ErrNotConnected
	default:
	}

	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

func (c *Client) Subscribe(handler func(domain.SignalMessage)) ports.SubscriptionID {
	return c.bus.Subscribe(handler)
}

func (c *Client) Unsubscribe(id ports.SubscriptionID) {
	c.bus.Unsubscribe(id)
}

// Close says goodbye to the relay and waits for the reader to stop.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.opts.WriteTimeout))
		c.writeMu.Unlock()

		err = c.conn.Close()
		<-c.readDone
		c.bus.Clear()
	})
	return err
}

var _ ports.SignalingChannel = (*Client)(nil)
