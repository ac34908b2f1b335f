package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"inkdown/api/internal/app"
	"inkdown/api/internal/config"
	"inkdown/api/internal/diagram"
	"inkdown/api/internal/history"
	"inkdown/api/internal/mention"
	"inkdown/api/internal/session"
	"inkdown/api/internal/storage"
)

func main() {
	cfg := config.Load()

	files, err := storage.NewDiskStore(cfg.DocsDir)
	if err != nil {
		log.Fatalf("docs dir unavailable: %v", err)
	}
	if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
		log.Fatalf("failed to create history dir: %v", err)
	}
	historyService := history.New(cfg.HistoryDir)

	var identity app.IdentityResolver
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for identity sessions")
		identityStore, err := session.NewIdentityStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer identityStore.Close()
		identity = identityStore
	} else {
		log.Printf("Identity store disabled, all edits are anonymous")
	}

	var directory mention.Directory
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		directory = mention.NewMeiliDirectory(cfg.MeiliURL, cfg.MeiliAPIKey)
	}

	if err := os.MkdirAll(cfg.DiagramsDir, 0o755); err != nil {
		log.Fatalf("failed to create diagrams dir: %v", err)
	}
	engine := diagram.NewMermaidEngine(cfg.DiagramsDir)
	if strings.TrimSpace(cfg.MermaidScriptURL) != "" {
		engine.ScriptURL = cfg.MermaidScriptURL
	}

	service := app.New(cfg, files, historyService, identity, directory, engine)
	defer service.Shutdown()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Inkdown API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
