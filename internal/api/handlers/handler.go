package handlers

import (
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/troikatech/call-escalation/internal/escalation"
	"github.com/troikatech/call-escalation/internal/normalize"
	"github.com/troikatech/call-escalation/internal/session"
	"github.com/troikatech/call-escalation/pkg/env"
	"github.com/troikatech/call-escalation/pkg/logger"
	"github.com/troikatech/call-escalation/pkg/webhook"
)

type Handler struct {
	cfg          *env.Config
	store        session.Store
	redisClient  *redis.Client
	applier      *normalize.Applier
	orchestrator *escalation.Orchestrator
	events       escalation.Subscriber
	telnyx       *webhook.TelnyxVerifier
	logger       *zap.Logger
}

// NewHandler wires the HTTP surface. redisClient, events and telnyx may be nil.
func NewHandler(
	cfg *env.Config,
	store session.Store,
	redisClient *redis.Client,
	applier *normalize.Applier,
	orchestrator *escalation.Orchestrator,
	events escalation.Subscriber,
	telnyx *webhook.TelnyxVerifier,
) *Handler {
	return &Handler{
		cfg:          cfg,
		store:        store,
		redisClient:  redisClient,
		applier:      applier,
		orchestrator: orchestrator,
		events:       events,
		telnyx:       telnyx,
		logger:       logger.Log,
	}
}
