package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MegaGrindStone/chatwidget/internal/handlers"
	"gopkg.in/yaml.v3"
)

func main() {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	cfgPath := filepath.Join(cfgDir, "chatwidget")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		log.Fatal(fmt.Errorf("error creating config directory: %w", err))
	}

	cfgFile, err := os.Open(filepath.Join(cfgPath, "config.yaml"))
	if err != nil {
		log.Fatal(fmt.Errorf("error opening config file: %w", err))
	}
	defer cfgFile.Close()

	cfg := config{}
	if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
		panic(fmt.Errorf("error decoding config file: %w", err))
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel()}))

	llm, err := cfg.LLM.llm(logger)
	if err != nil {
		panic(err)
	}

	st, err := cfg.Store.open(context.Background(), cfgPath)
	if err != nil {
		panic(err)
	}
	defer st.Close()

	m, err := handlers.NewMain(llm, st, cfg.Chatbots, handlers.WidgetOptions{
		CompletionBaseURL: cfg.CompletionBaseURL,
		Timeout:           cfg.RequestTimeout,
		IdleTimeout:       cfg.WidgetIdleTimeout,
		MaxWidgets:        cfg.MaxWidgets,
	}, logger)
	if err != nil {
		panic(err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/chat/{chatbotID}/stream", m.HandleCompletion)
	mux.HandleFunc("GET /widgets/{chatbotID}", m.HandleWidget)
	mux.HandleFunc("POST /widgets/{chatbotID}/messages", m.HandleEmbedMessage)
	mux.HandleFunc("GET /widgets/sse", m.HandleSSE)
	mux.HandleFunc("POST /widgets/close", m.HandleCloseWidget)
	mux.HandleFunc("POST /preview/messages", m.HandlePreviewMessage)
	mux.HandleFunc("GET /chatbots/{chatbotID}/conversations", m.HandleConversations)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting",
			slog.String("port", cfg.Port),
			slog.Int("chatbots", len(cfg.Chatbots)))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", slog.String("err", err.Error()))

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
	}
}
