// LoopStacks Control Plane — market-style orchestration for agent swarms.
//
// This is the main entry point for the control plane server. It provides:
//   - Loop execution pipeline (announce, bid, select, execute, aggregate)
//   - Durable execution records (Redis-backed, in-memory fallback)
//   - Declarative resource directory (Agent, AgentInstance, Realm, LoopStack)
//   - WebSocket fan-out of execution events
//   - Agent presence tracking via heartbeats

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/loopstacks/control-plane/pkg/server"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("🔄 LoopStacks Control Plane starting...")

	ctx := context.Background()
	srv, err := server.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize server")
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("🛑 Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().
		Int("port", srv.Port).
		Msg("🔄 LoopStacks control plane is ready")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
