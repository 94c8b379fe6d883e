package handlers

import (
	"go.uber.org/zap"

	"wikichat/internal/chat"
	"wikichat/internal/config"
	"wikichat/internal/health"
)

type Handler struct {
	Svc       *chat.Service
	Probe     *health.Probe
	Retriever chat.Retriever
	Defaults  config.Chat
	Log       *zap.Logger
}

func NewHandler(svc *chat.Service, probe *health.Probe, retriever chat.Retriever, defaults config.Chat, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Svc:       svc,
		Probe:     probe,
		Retriever: retriever,
		Defaults:  defaults,
		Log:       log,
	}
}
