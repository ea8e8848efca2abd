package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/BearBump/teletrack/internal/errs"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

var errNoUser = errors.New("missing " + UserHashHeader)

type ctxKey struct{}

func userHash(ctx context.Context) string {
	h, _ := ctx.Value(ctxKey{}).(string)
	return h
}

func (h *Handler) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hash := r.Header.Get(UserHashHeader)
		if hash == "" {
			h.fail(w, errs.ErrUserUnknown, errNoUser)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, hash)))
	})
}

func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.rl == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := fmt.Sprintf("rl:user:%s:%s", userHash(r.Context()), time.Now().UTC().Format("200601021504"))
		allowed, _, err := h.rl.Allow(r.Context(), key, h.rlPerMin, 70*time.Second)
		if err != nil {
			// limiter outage must not take the API down
			h.log.Warn("api rate limiter", zap.Error(err))
		} else if !allowed {
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// fail maps err to the reserved application codes; anything else is a 500.
func (h *Handler) fail(w http.ResponseWriter, err error, cause error) {
	if code, ok := errs.StatusCode(err); ok {
		writeError(w, code, err.Error())
		return
	}
	if errors.Is(err, errs.ErrAlreadyExists) {
		writeError(w, http.StatusConflict, "already exists")
		return
	}
	h.log.Error("subscription request failed", zap.Error(err), zap.NamedError("cause", cause))
	writeError(w, http.StatusInternalServerError, "internal error")
}

type registerUserRequest struct {
	UserID   int64  `json:"user_id" validate:"required,gt=0"`
	UserName string `json:"user_name" validate:"max=256"`
}

type registerUserResponse struct {
	UserIDHash string `json:"user_id_hash"`
	UserName   string `json:"user_name"`
	Quota      int    `json:"quota"`
}

func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req registerUserRequest
	if !h.decode(w, r, &req) {
		return
	}
	u, err := h.subs.RegisterUser(r.Context(), req.UserID, req.UserName)
	if err != nil {
		h.fail(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, registerUserResponse{UserIDHash: u.UserIDHash, UserName: u.UserName, Quota: u.Quota})
}

type trackRequest struct {
	TrackingNumber string `json:"tracking_number" validate:"required,max=64"`
	Carrier        *int   `json:"carrier" validate:"omitempty,gt=0"`
}

func (h *Handler) Track(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if !h.decode(w, r, &req) {
		return
	}
	rel, err := h.subs.Track(r.Context(), userHash(r.Context()), req.TrackingNumber, req.Carrier)
	if err != nil {
		h.fail(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"tracking_number": rel.TrackingNumber,
		"carrier":         rel.Carrier,
		"is_subscribed":   rel.IsSubscribed,
	})
}

func (h *Handler) ListTrackings(w http.ResponseWriter, r *http.Request) {
	out, err := h.subs.ListForUser(r.Context(), userHash(r.Context()))
	if err != nil {
		h.fail(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trackings": out})
}

func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	h.relationOp(w, r, h.subs.Stop)
}

func (h *Handler) Retrack(w http.ResponseWriter, r *http.Request) {
	h.relationOp(w, r, h.subs.Retrack)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	h.relationOp(w, r, h.subs.Delete)
}

func (h *Handler) relationOp(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, hash, number string) error) {
	number := chi.URLParam(r, "number")
	if err := op(r.Context(), userHash(r.Context()), number); err != nil {
		h.fail(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "tracking_number": number})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.log.Debug("validation failed", zap.Error(err))
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}
