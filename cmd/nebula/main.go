// Command nebula runs the chat server: REST API, websocket gateway, pebble
// conversation store, chromem vector memory, and a Gemini or Anthropic
// generation backend.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nebulachat/nebula/api"
	"github.com/nebulachat/nebula/auth"
	"github.com/nebulachat/nebula/config"
	"github.com/nebulachat/nebula/engine"
	"github.com/nebulachat/nebula/gateway"
	"github.com/nebulachat/nebula/llm"
	llmanthropic "github.com/nebulachat/nebula/llm/anthropic"
	llmgemini "github.com/nebulachat/nebula/llm/gemini"
	"github.com/nebulachat/nebula/logger"
	"github.com/nebulachat/nebula/memory/chromem"
	embgemini "github.com/nebulachat/nebula/memory/embedder/gemini"
	"github.com/nebulachat/nebula/store"
)

func main() {
	if err := run(); err != nil {
		logger.Log.Fatal("server_failed", zap.Error(err))
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.LogLevel); err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(filepath.Join(cfg.DataDir, "db"))
	if err != nil {
		return err
	}
	defer db.Close()

	mem, err := chromem.NewPersistent(filepath.Join(cfg.DataDir, "memory"))
	if err != nil {
		return err
	}
	defer mem.Close()

	embedder, err := embgemini.New(ctx, cfg.GeminiAPIKey, cfg.EmbeddingModel)
	if err != nil {
		return err
	}

	persona := cfg.Persona
	if persona == "" {
		persona = llm.DefaultPersona
	}
	generator, err := newGenerator(ctx, cfg, persona)
	if err != nil {
		return err
	}

	eng := engine.New(db, mem, embedder, generator,
		engine.WithTopK(cfg.TopK),
		engine.WithHistoryLimit(cfg.HistoryLimit),
		engine.WithProviderTimeout(cfg.ProviderTimeout),
	)

	authSvc := auth.New(db, cfg.JWTSecret)
	gw := gateway.New(ctx, authSvc, eng)
	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: api.New(authSvc, db, gw).Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Log.Info("server_listening",
			zap.String("addr", cfg.Addr),
			zap.String("provider", cfg.Provider))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Log.Info("server_stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newGenerator(ctx context.Context, cfg *config.Config, persona string) (llm.Generator, error) {
	switch cfg.Provider {
	case "anthropic":
		return llmanthropic.New(cfg.AnthropicAPIKey, cfg.GenerationModel, persona)
	default:
		return llmgemini.New(ctx, cfg.GeminiAPIKey, cfg.GenerationModel, persona)
	}
}
