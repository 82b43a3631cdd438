package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mbd888/swapd/internal/bitcoin"
	"github.com/mbd888/swapd/internal/config"
	"github.com/mbd888/swapd/internal/monero"
	"github.com/mbd888/swapd/internal/protocol"
	"github.com/mbd888/swapd/internal/server"
	"github.com/mbd888/swapd/internal/simnet"
	"github.com/mbd888/swapd/internal/swap"
	"github.com/mbd888/swapd/internal/transport"
)

const (
	demoBTC = "0.01"
	demoXMR = "2"
)

// runDemo swaps demoBTC for demoXMR with a simnet Alice listening on a
// loopback websocket. Bob reaches her through the same transport a remote
// peer would use.
func runDemo(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	btc, err := bitcoin.ParseAmount(demoBTC)
	if err != nil {
		return err
	}
	xmr, err := monero.ParseAmount(demoXMR)
	if err != nil {
		return err
	}
	amounts := protocol.Amounts{BTC: btc, XMR: xmr}

	network := simnet.New(cfg.RefundAddress, cfg.SimnetFunds)
	alice, err := simnet.NewAlice(network, simnet.AliceConfig{
		Amounts:        amounts,
		CancelTimelock: cfg.CancelTimelock,
		PunishTimelock: cfg.PunishTimelock,
	})
	if err != nil {
		return fmt.Errorf("creating counterparty: %w", err)
	}

	url, stop, err := listen(transport.NewServer(alice, logger.With("component", "alice")))
	if err != nil {
		return fmt.Errorf("serving counterparty: %w", err)
	}
	defer stop()

	demoCfg := *cfg
	demoCfg.PeerURL = url
	demoCfg.DatabaseURL = ""

	srv, err := server.New(&demoCfg, server.WithLogger(logger), server.WithNetwork(network))
	if err != nil {
		return err
	}
	defer srv.Stop()
	if err := srv.Start(); err != nil {
		return err
	}

	logger.Info("demo swap starting", "btc", btc.String(), "xmr", xmr.String(), "peer", url)
	id, err := srv.Manager().Create(ctx, amounts)
	if err != nil {
		return err
	}
	final, err := srv.Manager().Resume(ctx, id)
	if err != nil {
		return err
	}
	if _, ok := final.(swap.XmrRedeemed); !ok {
		return fmt.Errorf("swap %s ended in %s", id, final.Name())
	}

	balance, err := network.Bitcoin.Balance(ctx)
	if err != nil {
		return err
	}
	logger.Info("demo swap complete",
		"swap_id", id,
		"state", final.Name(),
		"btc_balance", balance.String(),
		"xmr_received", network.Monero.Balance().String(),
		"alice_redeemed", alice.Redeemed(),
	)
	return nil
}
