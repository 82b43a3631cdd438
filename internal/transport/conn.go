package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/gorilla/websocket"
	"github.com/mbd888/swapd/internal/circuitbreaker"
	"github.com/mbd888/swapd/internal/idgen"
	"github.com/mbd888/swapd/internal/logging"
	"github.com/mbd888/swapd/internal/metrics"
	"github.com/mbd888/swapd/internal/protocol"
	"github.com/mbd888/swapd/internal/retry"
	"github.com/mbd888/swapd/internal/traces"
)

const (
	maxMessageSize = 1 << 20
	writeTimeout   = 10 * time.Second
)

// Options configure a Conn. Zero values pick defaults.
type Options struct {
	Retry   retry.Policy
	Breaker *circuitbreaker.Breaker
	Dialer  *websocket.Dialer
	Logger  *slog.Logger
}

// Conn is Bob's websocket session with Alice. It is safe for concurrent
// use; calls are serialized.
type Conn struct {
	url    string
	retry  retry.Policy
	brk    *circuitbreaker.Breaker
	dialer *websocket.Dialer
	logger *slog.Logger

	mu sync.Mutex
	ws *websocket.Conn
}

// NewConn returns an unconnected session with the peer at url.
func NewConn(url string, opts Options) *Conn {
	c := &Conn{
		url:    url,
		retry:  opts.Retry,
		brk:    opts.Breaker,
		dialer: opts.Dialer,
		logger: opts.Logger,
	}
	if c.retry.Attempts == 0 {
		c.retry = retry.DefaultPolicy
	}
	if c.brk == nil {
		c.brk = circuitbreaker.New(5, 30*time.Second)
	}
	if c.dialer == nil {
		c.dialer = websocket.DefaultDialer
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// URL returns the peer address.
func (c *Conn) URL() string { return c.url }

// Dial opens the socket unless it is already open. Failed attempts are
// retried with backoff; once the peer's circuit opens Dial fails fast with
// ErrPeerUnavailable.
func (c *Conn) Dial(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != nil {
		return nil
	}

	logger := c.logger
	if id := logging.SwapID(ctx); id != "" {
		logger = logger.With("swap_id", id)
	}
	err := retry.DoNotify(ctx, c.retry, func(ctx context.Context) error {
		err := c.brk.Execute(c.url, func() error {
			ws, resp, err := c.dialer.DialContext(ctx, c.url, nil)
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
			if err != nil {
				return err
			}
			ws.SetReadLimit(maxMessageSize)
			c.ws = ws
			return nil
		})
		switch {
		case err == nil:
			metrics.TransportDialsTotal.WithLabelValues("success").Inc()
			return nil
		case errors.Is(err, circuitbreaker.ErrOpen):
			metrics.TransportDialsTotal.WithLabelValues("circuit_open").Inc()
			return retry.Permanent(fmt.Errorf("%w: %s", ErrPeerUnavailable, c.url))
		default:
			metrics.TransportDialsTotal.WithLabelValues("failure").Inc()
			if ctx.Err() != nil {
				return retry.Permanent(ctx.Err())
			}
			return err
		}
	}, func(attempt int, err error, wait time.Duration) {
		logger.Warn("peer dial failed, retrying", "peer", c.url, "attempt", attempt, "wait", wait, "error", err)
	})
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.url, err)
	}
	logger.Debug("peer connected", "peer", c.url)
	return nil
}

// Close closes the socket. The Conn may be dialed again.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return nil
	}
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	err := c.ws.Close()
	c.ws = nil
	return err
}

// Healthy reports whether the peer's circuit is closed.
func (c *Conn) Healthy() error {
	if st := c.brk.State(c.url); st == circuitbreaker.StateOpen {
		return fmt.Errorf("%w: circuit %s", ErrPeerUnavailable, st)
	}
	return nil
}

func (c *Conn) RequestAmounts(ctx context.Context, btc btcutil.Amount) error {
	return c.call(ctx, TypeRequestAmounts, amountsRequest{BTC: btc}, nil)
}

func (c *Conn) SendRound0(ctx context.Context, msg protocol.BobRound0) error {
	return c.call(ctx, TypeBobRound0, msg, nil)
}

func (c *Conn) RecvRound0(ctx context.Context) (protocol.AliceRound0, error) {
	var msg protocol.AliceRound0
	err := c.call(ctx, TypeAliceRound0, nil, &msg)
	return msg, err
}

func (c *Conn) SendRound1(ctx context.Context, msg protocol.BobRound1) error {
	return c.call(ctx, TypeBobRound1, msg, nil)
}

func (c *Conn) RecvRound1(ctx context.Context) (protocol.AliceRound1, error) {
	var msg protocol.AliceRound1
	err := c.call(ctx, TypeAliceRound1, nil, &msg)
	return msg, err
}

func (c *Conn) SendRound2(ctx context.Context, msg protocol.BobRound2) error {
	return c.call(ctx, TypeBobRound2, msg, nil)
}

func (c *Conn) RecvTransferProof(ctx context.Context) (protocol.TransferProof, error) {
	var msg protocol.TransferProof
	err := c.call(ctx, TypeTransferProof, nil, &msg)
	return msg, err
}

func (c *Conn) SendEncryptedSignature(ctx context.Context, msg protocol.EncryptedSignatureMessage) error {
	return c.call(ctx, TypeEncryptedSig, msg, nil)
}

// call sends one request and waits for its reply.
func (c *Conn) call(ctx context.Context, typ string, req, resp any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, span := traces.StartSpan(ctx, "transport.call", traces.MessageType(typ))
	defer span.End()

	err := c.roundTrip(ctx, typ, req, resp)
	traces.Fail(span, err, "peer call failed")
	return err
}

// Caller must hold c.mu.
func (c *Conn) roundTrip(ctx context.Context, typ string, req, resp any) error {
	if c.ws == nil {
		return ErrNotConnected
	}
	ws := c.ws

	env := Envelope{ID: idgen.WithPrefix("msg_"), Type: typ}
	if req != nil {
		payload, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("encoding %s: %w", typ, err)
		}
		env.Payload = payload
	}

	// Unblock the socket when ctx ends. The socket is dropped afterwards.
	stop := context.AfterFunc(ctx, func() {
		past := time.Unix(1, 0)
		_ = ws.SetReadDeadline(past)
		_ = ws.SetWriteDeadline(past)
	})
	defer stop()

	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteJSON(env); err != nil {
		return c.fail(ctx, fmt.Errorf("sending %s: %w", typ, err))
	}
	metrics.TransportMessagesTotal.WithLabelValues("sent", typ).Inc()

	var reply Envelope
	if err := ws.ReadJSON(&reply); err != nil {
		return c.fail(ctx, fmt.Errorf("awaiting %s reply: %w", typ, err))
	}
	metrics.TransportMessagesTotal.WithLabelValues("received", typ).Inc()

	if reply.ID != env.ID || reply.Type != typ {
		return c.fail(ctx, fmt.Errorf("%w: want %s/%s, got %s/%s", ErrUnexpectedReply, typ, env.ID, reply.Type, reply.ID))
	}
	if reply.Error != nil {
		return reply.Error.decode()
	}
	if resp != nil {
		if err := json.Unmarshal(reply.Payload, resp); err != nil {
			return fmt.Errorf("%w: decoding %s: %v", protocol.ErrInvalidMessage, typ, err)
		}
	}
	return nil
}

// fail drops the socket. A cancelled ctx wins over the I/O error it caused.
// Caller must hold c.mu.
func (c *Conn) fail(ctx context.Context, err error) error {
	_ = c.ws.Close()
	c.ws = nil
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
