package main

import (
	"net/http"

	"github.com/glowlabs/glow/internal/api"
	"github.com/glowlabs/glow/internal/chat"
	"github.com/glowlabs/glow/internal/config"
	"github.com/glowlabs/glow/internal/db"
	"github.com/glowlabs/glow/internal/llm"
	"github.com/glowlabs/glow/internal/ws"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		logger.Fatal("failed to initialize database",
			zap.Error(err),
			zap.String("dbPath", cfg.DBPath))
	}
	defer database.Close()

	relay, err := llm.NewRelay(llm.Options{
		BaseURL:     cfg.Provider.BaseURL,
		APIKey:      cfg.Provider.APIKey,
		Model:       cfg.Provider.Model,
		MaxTokens:   cfg.Provider.MaxTokens,
		Temperature: cfg.Provider.Temperature,
	}, logger)
	if err != nil {
		logger.Fatal("failed to initialize completion relay", zap.Error(err))
	}

	hub := ws.NewHub(logger)
	pipeline := chat.NewPipeline(database, relay, hub, cfg.HistoryTokenBudget, logger)
	handler := api.NewHandler(database, pipeline, logger)

	http.HandleFunc("/api/chat", handler.HandleChat)
	http.HandleFunc("/api/messages/edit", handler.HandleEditMessage)
	http.HandleFunc("/api/messages", handler.GetMessages)
	http.HandleFunc("/api/conversations", handler.GetConversations)
	http.HandleFunc("/api/conversations/delete", handler.DeleteConversation)
	http.HandleFunc("/api/conversations/update", handler.UpdateConversation)
	http.HandleFunc("/api/memories", handler.GetMemories)
	http.HandleFunc("/api/memories/hide", handler.HideMemory)
	http.HandleFunc("/api/memories/delete", handler.DeleteMemory)
	http.HandleFunc("/api/health", handler.Health)
	http.HandleFunc("/ws", hub.ServeWS)

	logger.Info("Starting server", zap.String("addr", cfg.Addr))
	if err := http.ListenAndServe(cfg.Addr, nil); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}
}
