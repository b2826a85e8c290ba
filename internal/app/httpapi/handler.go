// Package httpapi exposes the loyalty engine over REST.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	app "github.com/sorianoseguros/loyalty-engine/internal/app"
	"github.com/sorianoseguros/loyalty-engine/internal/app/domain/ledger"
	"github.com/sorianoseguros/loyalty-engine/internal/app/domain/referral"
	"github.com/sorianoseguros/loyalty-engine/internal/app/metrics"
	"github.com/sorianoseguros/loyalty-engine/internal/app/services/points"
	"github.com/sorianoseguros/loyalty-engine/internal/app/services/referrals"
	errs "github.com/sorianoseguros/loyalty-engine/internal/errors"
)

// handler bundles HTTP endpoints for the loyalty services.
type handler struct {
	app *app.Application
}

// NewHandler returns a router exposing the loyalty REST API.
func NewHandler(application *app.Application) http.Handler {
	h := &handler{app: application}

	r := chi.NewRouter()
	r.Get("/healthz", h.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/users/{userID}", func(r chi.Router) {
		r.Post("/points", h.awardPoints)
		r.Get("/points", h.pointsHistory)
		r.Get("/level", h.levelInfo)
		r.Get("/rewards", h.userRewards)
		r.Post("/redemptions", h.redeem)
		r.Post("/referrals", h.issueReferral)
		r.Get("/referrals", h.listReferrals)
	})

	r.Get("/rewards", h.catalog)
	r.Route("/referrals/{code}", func(r chi.Router) {
		r.Post("/claim", h.claimReferral)
		r.Post("/advance", h.advanceReferral)
	})

	return r
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) awardPoints(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var payload struct {
		Delta          int64  `json:"delta"`
		Reason         string `json:"reason"`
		Description    string `json:"description"`
		IdempotencyKey string `json:"idempotencyKey"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, errs.E(errs.CodeValidation, "%v", err))
		return
	}

	reason := ledger.Reason(payload.Reason)
	delta := payload.Delta
	if delta == 0 {
		// Fall back to the configured amount for the action.
		amount, ok := h.app.Config().EarningAmount(reason)
		if !ok {
			writeError(w, errs.E(errs.CodeValidation, "no configured amount for reason %q; supply a delta", payload.Reason))
			return
		}
		delta = amount
	}

	opts := []points.Option{}
	if payload.Description != "" {
		opts = append(opts, points.WithDescription(payload.Description))
	}
	if payload.IdempotencyKey != "" {
		opts = append(opts, points.WithIdempotencyKey(payload.IdempotencyKey))
	}

	res, err := h.app.Points.Append(r.Context(), userID, delta, reason, opts...)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"entry":    res.Entry,
		"balance":  res.Balance,
		"tier":     res.Tier.Name,
		"replayed": res.Replayed,
	})
}

func (h *handler) pointsHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, errs.E(errs.CodeValidation, "invalid limit %q", raw))
			return
		}
		limit = parsed
	}

	entries, err := h.app.Points.History(r.Context(), userID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handler) levelInfo(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	info, err := h.app.Points.GetUserLevelInfo(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	awards, err := h.app.Badges.List(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"level":        info,
		"capabilities": h.app.Gate.Capabilities(info.Tier),
		"badges":       awards,
	})
}

func (h *handler) catalog(w http.ResponseWriter, r *http.Request) {
	all, err := h.app.Rewards.ListAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (h *handler) userRewards(w http.ResponseWriter, r *http.Request) {
	offers, err := h.app.Rewards.ListForUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, offers)
}

func (h *handler) redeem(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var payload struct {
		RewardID  string `json:"rewardId"`
		RequestID string `json:"requestId"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, errs.E(errs.CodeValidation, "%v", err))
		return
	}

	result, err := h.app.Rewards.Redeem(r.Context(), userID, payload.RewardID, payload.RequestID)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (h *handler) issueReferral(w http.ResponseWriter, r *http.Request) {
	ref, err := h.app.Referrals.IssueCode(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ref)
}

func (h *handler) listReferrals(w http.ResponseWriter, r *http.Request) {
	refs, err := h.app.Referrals.ListByReferrer(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, refs)
}

func (h *handler) claimReferral(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	var payload struct {
		UserID string `json:"userId"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, errs.E(errs.CodeValidation, "%v", err))
		return
	}

	ref, err := h.app.Referrals.ClaimCode(r.Context(), code, payload.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

func (h *handler) advanceReferral(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	var payload struct {
		Stage        string `json:"stage"`
		PremiumCents int64  `json:"premiumCents"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, errs.E(errs.CodeValidation, "%v", err))
		return
	}

	ref, err := h.app.Referrals.AdvanceStage(r.Context(), code, referral.Stage(payload.Stage),
		referrals.ConversionContext{PremiumCents: payload.PremiumCents})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

// --- helpers -----------------------------------------------------------------

func decodeJSON(body io.Reader, dst any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// statusFor maps taxonomy codes onto HTTP statuses.
func statusFor(err error) int {
	switch errs.CodeOf(err) {
	case errs.CodeValidation:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeTierIneligible:
		return http.StatusForbidden
	case errs.CodeInsufficientBalance:
		return http.StatusUnprocessableEntity
	case errs.CodeInvalidTransition, errs.CodeConflict, errs.CodeDuplicateRequest:
		return http.StatusConflict
	case errs.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	var coded *errs.Error
	code := errs.CodeOf(err)
	message := err.Error()
	if errors.As(err, &coded) {
		message = coded.Message
	}
	writeJSON(w, statusFor(err), map[string]any{
		"error": message,
		"code":  string(code),
	})
}
