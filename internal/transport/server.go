package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/gorilla/websocket"
	"github.com/mbd888/swapd/internal/metrics"
	"github.com/mbd888/swapd/internal/protocol"
)

// normalCloseCodes are close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// Peer is the counterparty a Server exposes. It has the method set of the
// connection the swap driver uses, seen from the other end.
type Peer interface {
	Dial(ctx context.Context) error
	RequestAmounts(ctx context.Context, btc btcutil.Amount) error
	SendRound0(ctx context.Context, msg protocol.BobRound0) error
	RecvRound0(ctx context.Context) (protocol.AliceRound0, error)
	SendRound1(ctx context.Context, msg protocol.BobRound1) error
	RecvRound1(ctx context.Context) (protocol.AliceRound1, error)
	SendRound2(ctx context.Context, msg protocol.BobRound2) error
	RecvTransferProof(ctx context.Context) (protocol.TransferProof, error)
	SendEncryptedSignature(ctx context.Context, msg protocol.EncryptedSignatureMessage) error
}

// Server accepts websocket sessions and answers requests from Peer.
type Server struct {
	peer     Peer
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a server for peer.
func NewServer(peer Peer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		peer:   peer,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// ServeHTTP admits a session if the peer accepts the dial, then serves it
// until the client goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := s.peer.Dial(r.Context()); err != nil {
		s.logger.Warn("peer refused session", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "peer unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	s.serve(ws)
}

func (s *Server) serve(ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		_ = ws.Close()
	}()
	ws.SetReadLimit(maxMessageSize)

	// The reader cancels ctx as soon as the client disconnects, which
	// aborts a request still blocked inside the peer.
	reqs := make(chan Envelope)
	go func() {
		defer cancel()
		defer close(reqs)
		for {
			var env Envelope
			if err := ws.ReadJSON(&env); err != nil {
				if !websocket.IsCloseError(err, normalCloseCodes...) && ctx.Err() == nil {
					s.logger.Debug("websocket read ended", "error", err)
				}
				return
			}
			select {
			case reqs <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	for env := range reqs {
		metrics.TransportMessagesTotal.WithLabelValues("received", env.Type).Inc()
		reply := s.handle(ctx, env)

		_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := ws.WriteJSON(reply); err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("websocket write failed", "type", env.Type, "error", err)
			}
			return
		}
		metrics.TransportMessagesTotal.WithLabelValues("sent", env.Type).Inc()
	}
}

func (s *Server) handle(ctx context.Context, env Envelope) Envelope {
	var (
		out any
		err error
	)
	switch env.Type {
	case TypeRequestAmounts:
		out, err = handleSend(ctx, env.Payload, func(ctx context.Context, req amountsRequest) error {
			return s.peer.RequestAmounts(ctx, req.BTC)
		})
	case TypeBobRound0:
		out, err = handleSend(ctx, env.Payload, s.peer.SendRound0)
	case TypeAliceRound0:
		out, err = handleRecv(ctx, s.peer.RecvRound0)
	case TypeBobRound1:
		out, err = handleSend(ctx, env.Payload, s.peer.SendRound1)
	case TypeAliceRound1:
		out, err = handleRecv(ctx, s.peer.RecvRound1)
	case TypeBobRound2:
		out, err = handleSend(ctx, env.Payload, s.peer.SendRound2)
	case TypeTransferProof:
		out, err = handleRecv(ctx, s.peer.RecvTransferProof)
	case TypeEncryptedSig:
		out, err = handleSend(ctx, env.Payload, s.peer.SendEncryptedSignature)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	reply := Envelope{ID: env.ID, Type: env.Type}
	if err == nil && out != nil {
		reply.Payload, err = json.Marshal(out)
	}
	if err != nil {
		s.logger.Debug("peer request failed", "type", env.Type, "error", err)
		reply.Payload = nil
		reply.Error = encodeError(err)
	}
	return reply
}

func handleSend[T any](ctx context.Context, payload json.RawMessage, fn func(context.Context, T) error) (any, error) {
	var msg T
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidMessage, err)
	}
	return nil, fn(ctx, msg)
}

func handleRecv[T any](ctx context.Context, fn func(context.Context) (T, error)) (any, error) {
	msg, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	return msg, nil
}
