// The facilitator command runs the gasless USD1 transfer service: it
// accepts signed transfer authorizations over HTTP and submits them
// on-chain, paying gas from its own account.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	gasless "github.com/x402-bsc/gasless-relay"
	"github.com/x402-bsc/gasless-relay/api"
	"github.com/x402-bsc/gasless-relay/chain"
	"github.com/x402-bsc/gasless-relay/config"
	"github.com/x402-bsc/gasless-relay/price"
)

func main() {
	// A missing .env file is fine; the environment may be set directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := chain.Dial(ctx, cfg.RPCURL, cfg.PrivateKeyHex, chain.Options{
		ChainID: cfg.Network.ChainID,
		Token:   cfg.Network.Token,
		Wrapper: cfg.Network.Wrapper,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to connect to the chain")
	}

	relay := gasless.NewRelay(client, gasless.RelayConfig{
		WrapperDomain:  cfg.Network.WrapperDomain,
		SupportsPermit: cfg.Network.SupportsPermit,
	})

	server := api.NewServer(relay, client, cfg.Network, price.NewService())

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// Transfer requests block on confirmation polling, which can take
		// up to a minute.
		WriteTimeout: time.Duration(cfg.RequestTimeout) * time.Second,
	}

	go func() {
		log.WithFields(log.Fields{
			"addr":        cfg.ListenAddr,
			"network":     cfg.Network.Name,
			"facilitator": client.FacilitatorAddress().Hex(),
		}).Info("facilitator listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown was not clean")
	}
}

func setupLogging(level string) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	parsed, err := log.ParseLevel(level)
	if err != nil {
		parsed = log.InfoLevel
	}
	log.SetLevel(parsed)
	log.SetOutput(os.Stdout)
}
