package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/BearBump/teletrack/internal/services/fanout"
	"github.com/BearBump/teletrack/internal/services/reconciler"
	"github.com/BearBump/teletrack/internal/webhook"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type webhookAck struct {
	Status         string    `json:"status"`
	Event          string    `json:"event"`
	TrackingNumber string    `json:"tracking_number"`
	RequestID      string    `json:"request_id"`
	ProcessedAt    time.Time `json:"processed_at"`
}

// Webhook authenticates, decodes and reconciles one provider push.
// 400: rejected before any state change. 500: snapshot not persisted, safe to retry.
// 200: persisted, whatever happened to the notifications.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()
	log := h.log.With(zap.String("request_id", reqID))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		log.Warn("read webhook body", zap.Error(err))
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}

	if err := h.verifier.Verify(body, r.Header.Get(webhook.SignatureHeader)); err != nil {
		log.Warn("webhook rejected", zap.Error(err), zap.String("remote_addr", r.RemoteAddr))
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}

	ev, err := h.decoder.Decode(body)
	if err != nil {
		log.Warn("webhook decode failed", zap.Error(err), zap.ByteString("head", head(body, 256)))
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}
	log = log.With(zap.String("event", ev.Type), zap.String("tracking_number", ev.Number()))

	ctx, cancel := context.WithTimeout(r.Context(), h.reqTimeout)
	defer cancel()

	res, err := h.rec.Reconcile(ctx, ev)
	switch {
	case err == nil:
	case reconciler.Retryable(err) || ctx.Err() != nil:
		log.Error("reconcile webhook", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	default:
		log.Warn("webhook event rejected", zap.Error(err))
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}

	if failed := fanout.Failed(res.Outcomes); len(failed) > 0 {
		log.Warn("some notifications failed", zap.Int("failed", len(failed)), zap.Int("recipients", len(res.Recipients)))
	}
	log.Info("webhook processed",
		zap.Bool("persisted", res.Persisted),
		zap.Int("recipients", len(res.Recipients)),
		zap.String("skipped", res.Skipped),
		zap.Bool("detached", res.Detached))

	writeJSON(w, http.StatusOK, webhookAck{
		Status:         "processed",
		Event:          ev.Type,
		TrackingNumber: ev.Number(),
		RequestID:      reqID,
		ProcessedAt:    time.Now().UTC(),
	})
}

type challengeRequest struct {
	Challenge string `json:"challenge" validate:"required"`
}

// VerifyChallenge echoes the provider's endpoint verification challenge.
func (h *Handler) VerifyChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, h.maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "challenge is required")
		return
	}
	h.log.Info("webhook verification challenge received")
	writeJSON(w, http.StatusOK, req)
}

func head(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
