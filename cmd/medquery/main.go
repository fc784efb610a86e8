package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/careloop/medquery/internal/api"
	"github.com/careloop/medquery/internal/common"
	"github.com/careloop/medquery/internal/data/orchestrator"
	"github.com/careloop/medquery/internal/llm"
)

func main() {
	logger := common.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		logger.Warn("medquery: .env file not loaded", "error", err)
	} else {
		logger.Info("medquery: environment loaded from .env")
	}

	addr := flag.String("addr", ":8080", "listen address")
	warehousePath := flag.String("warehouse", "", "path to the clinical warehouse database")
	auditPath := flag.String("audit-db", "", "path to the audit trail database")
	refreshInterval := flag.String("schema-refresh", "", "interval between schema re-introspections (e.g. 1m, 5m)")
	flag.Parse()

	logger.Info("medquery: startup initiated", "addr", *addr)

	orchCfg, err := orchestrator.LoadConfig()
	if err != nil {
		logger.Error("medquery: config load failed", "error", err)
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	if trimmed := strings.TrimSpace(*warehousePath); trimmed != "" {
		orchCfg.WarehousePath = trimmed
	}
	if trimmed := strings.TrimSpace(*auditPath); trimmed != "" {
		orchCfg.AuditPath = trimmed
	}
	if trimmed := strings.TrimSpace(*refreshInterval); trimmed != "" {
		dur, err := time.ParseDuration(trimmed)
		if err != nil {
			logger.Error("medquery: invalid -schema-refresh", "value", trimmed, "error", err)
			fmt.Println("invalid -schema-refresh:", err)
			os.Exit(1)
		}
		orchCfg.RefreshInterval = dur
	}

	provider := llm.NewProvider()

	orch, err := orchestrator.New(ctx, orchCfg, orchestrator.WithProvider(provider))
	if err != nil {
		logger.Error("medquery: orchestrator init failed", "error", err)
		fmt.Println("startup error:", err)
		os.Exit(1)
	}
	defer func() {
		if cerr := orch.Close(); cerr != nil {
			logger.Warn("medquery: shutdown cleanup failed", "error", cerr)
		}
	}()

	server, err := api.NewServer(orch, provider)
	if err != nil {
		logger.Error("medquery: server init failed", "error", err)
		fmt.Println("startup error:", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("medquery: listening", "addr", *addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("medquery: shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("medquery: server failed", "error", err)
			fmt.Println("server error:", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("medquery: graceful shutdown incomplete", "error", err)
	}
	logger.Info("medquery: stopped")
}
