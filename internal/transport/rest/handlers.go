package rest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/domain"
	appCtx "github.com/baechuer/real-time-ressys/services/ledger-service/internal/pkg/context"
	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/pkg/logger"
	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/service"
	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/transport/rest/response"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
)

type Handler struct {
	svc *service.StarService
}

func NewHandler(svc *service.StarService) *Handler {
	return &Handler{svc: svc}
}

type balanceDTO struct {
	Identity     string     `json:"identity"`
	CurrentStars int        `json:"current_stars"`
	RefillCap    int        `json:"refill_cap"`
	NextRefillAt *time.Time `json:"next_refill_at"`
	Merged       bool       `json:"merged,omitempty"`
}

func toBalanceDTO(v domain.BalanceView) balanceDTO {
	return balanceDTO{
		Identity:     v.Identity.Key(),
		CurrentStars: v.CurrentStars,
		RefillCap:    v.RefillCap,
		NextRefillAt: v.NextRefillAt,
		Merged:       v.Merged,
	}
}

func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	p, ok := GetPrincipal(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "identity.missing", "no identity", nil)
		return
	}

	view, err := h.svc.GetBalance(r.Context(), p.Identity)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, toBalanceDTO(view))
}

// ChargeReading answers 200 either way; ok=false carries the shortfall so the
// client can show a top-up prompt.
func (h *Handler) ChargeReading(w http.ResponseWriter, r *http.Request) {
	p, ok := GetPrincipal(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "identity.missing", "no identity", nil)
		return
	}

	res, err := h.svc.ChargeForReading(r.Context(), p.Identity)
	if err != nil {
		handleErr(w, r, err)
		return
	}

	out := map[string]any{
		"ok":      res.OK,
		"balance": toBalanceDTO(res.Balance),
	}
	if !res.OK {
		out["required"] = res.Required
	}
	response.Data(w, http.StatusOK, out)
}

type transactionDTO struct {
	ID           uuid.UUID `json:"id"`
	Amount       int       `json:"amount"`
	BalanceAfter int       `json:"balance_after"`
	Reason       string    `json:"reason"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	p, ok := GetPrincipal(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "identity.missing", "no identity", nil)
		return
	}

	cur, err := decodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid cursor", nil)
		return
	}

	items, next, err := h.svc.ListTransactions(r.Context(), p.Identity, parseLimit(r), cur)
	if err != nil {
		handleErr(w, r, err)
		return
	}

	out := make([]transactionDTO, 0, len(items))
	for _, it := range items {
		out = append(out, transactionDTO{
			ID:           it.ID,
			Amount:       it.Amount,
			BalanceAfter: it.BalanceAfter,
			Reason:       string(it.Reason),
			Description:  it.Description,
			CreatedAt:    it.CreatedAt,
		})
	}
	response.Data(w, http.StatusOK, map[string]any{
		"items":       out,
		"next_cursor": encodeCursor(next),
	})
}

type shareVisitRequest struct {
	OwnerKind string `json:"owner_kind" validate:"required,oneof=device account"`
	OwnerID   string `json:"owner_id" validate:"required,max=128"`
}

func (h *Handler) ShareVisit(w http.ResponseWriter, r *http.Request) {
	p, ok := GetPrincipal(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "identity.missing", "no identity", nil)
		return
	}

	sharedID := strings.TrimSpace(chi.URLParam(r, "sharedID"))
	if sharedID == "" || len(sharedID) > 128 {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid sharedID", nil)
		return
	}

	var req shareVisitRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}
	if err := validate.Struct(req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", validationMeta(err))
		return
	}

	owner, err := domain.ParseIdentityKey(req.OwnerKind + ":" + strings.TrimSpace(req.OwnerID))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid owner", map[string]string{
			"owner_id": "must match owner_kind",
		})
		return
	}

	res, err := h.svc.AwardShareVisit(r.Context(), sharedID, p.Identity, owner)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, map[string]string{
		"outcome": string(res.Outcome),
	})
}

func (h *Handler) Notifications(w http.ResponseWriter, r *http.Request) {
	p, ok := GetPrincipal(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "identity.missing", "no identity", nil)
		return
	}

	items, err := h.svc.ListNotifications(r.Context(), p.Identity, parseLimit(r))
	if err != nil {
		handleErr(w, r, err)
		return
	}

	type notificationDTO struct {
		SharedID    string    `json:"shared_id"`
		DateKey     string    `json:"date_key"`
		VisitsCount int       `json:"visits_count"`
		LastVisitAt time.Time `json:"last_visit_at"`
	}
	out := make([]notificationDTO, 0, len(items))
	for _, n := range items {
		out = append(out, notificationDTO{
			SharedID:    n.SharedID,
			DateKey:     n.DateKey,
			VisitsCount: n.VisitsCount,
			LastVisitAt: n.LastVisitAt,
		})
	}
	response.Data(w, http.StatusOK, map[string]any{"items": out})
}

func (h *Handler) ReferralCode(w http.ResponseWriter, r *http.Request) {
	p, ok := GetPrincipal(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "identity.missing", "no identity", nil)
		return
	}

	ref, err := h.svc.GetOrCreateReferralCode(r.Context(), p.Identity)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, map[string]any{
		"code":       ref.Code,
		"created_at": ref.CreatedAt,
	})
}

type redeemRequest struct {
	Code string `json:"code" validate:"required,max=32"`
}

func (h *Handler) RedeemReferral(w http.ResponseWriter, r *http.Request) {
	p, ok := GetPrincipal(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "identity.missing", "no identity", nil)
		return
	}

	var req redeemRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}
	req.Code = service.NormalizeReferralCode(req.Code)
	if err := validate.Struct(req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", validationMeta(err))
		return
	}

	res, err := h.svc.RedeemReferral(r.Context(), p.Identity, req.Code)
	if err != nil {
		handleErr(w, r, err)
		return
	}

	out := map[string]any{
		"success": res.Success(),
		"outcome": string(res.Outcome),
		"message": res.Outcome.Message(),
	}
	if res.Success() {
		out["balance"] = res.RefereeBalance
	}
	response.Data(w, http.StatusOK, out)
}

type mergeRequest struct {
	DeviceID string `json:"device_id" validate:"omitempty,device_id"`
}

// Merge folds the device presented on this request (X-Device-Id header or
// cookie) into the caller's account. A body device_id is only an assertion and
// must name that same device.
func (h *Handler) Merge(w http.ResponseWriter, r *http.Request) {
	p, ok := GetPrincipal(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "identity.missing", "no identity", nil)
		return
	}
	if !p.Identity.IsAccount() {
		handleErr(w, r, domain.ErrAccountRequired)
		return
	}

	var req mergeRequest
	// the body is optional
	if err := render.DecodeJSON(r.Body, &req); err != nil && !errors.Is(err, io.EOF) {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}
	if err := validate.Struct(req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", validationMeta(err))
		return
	}

	deviceID := p.DeviceID
	if deviceID == "" {
		fail(w, r, http.StatusBadRequest, "request.invalid", "device id required", map[string]string{
			"device_id": "send the device credential in the X-Device-Id header or cookie",
		})
		return
	}
	if body := strings.TrimSpace(req.DeviceID); body != "" && body != deviceID {
		fail(w, r, http.StatusForbidden, "identity.device_mismatch", "device_id does not match the request device", nil)
		return
	}

	accountID, err := uuid.Parse(p.Identity.ID)
	if err != nil {
		handleErr(w, r, domain.ErrInvalidIdentity)
		return
	}

	res, err := h.svc.MergeDeviceIntoAccount(r.Context(), deviceID, accountID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, map[string]any{
		"ok":          true,
		"merged":      res.Merged,
		"transferred": res.Transferred,
		"balance":     res.AccountBalance,
	})
}

type creditRequest struct {
	Identity    string `json:"identity" validate:"required,identity_key"`
	Amount      int    `json:"amount" validate:"required,min=1,max=10000"`
	Description string `json:"description" validate:"max=256"`
}

func (h *Handler) AdminCredit(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}
	if err := validate.Struct(req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", validationMeta(err))
		return
	}
	target, _ := domain.ParseIdentityKey(req.Identity)

	b, err := h.svc.Add(r.Context(), target, req.Amount, domain.ReasonManualAdd, adminNote(r.Context(), req.Description))
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, map[string]any{
		"identity":      b.Identity.Key(),
		"current_stars": b.CurrentStars,
	})
}

type setBalanceRequest struct {
	Identity    string `json:"identity" validate:"required,identity_key"`
	Expected    *int   `json:"expected" validate:"required,min=0"`
	Target      *int   `json:"target" validate:"required,min=0"`
	Description string `json:"description" validate:"max=256"`
}

func (h *Handler) AdminSetBalance(w http.ResponseWriter, r *http.Request) {
	var req setBalanceRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}
	if err := validate.Struct(req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", validationMeta(err))
		return
	}
	target, _ := domain.ParseIdentityKey(req.Identity)

	b, err := h.svc.Set(r.Context(), target, *req.Expected, *req.Target, adminNote(r.Context(), req.Description))
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, map[string]any{
		"identity":      b.Identity.Key(),
		"current_stars": b.CurrentStars,
	})
}

func adminNote(ctx context.Context, description string) string {
	p, _ := GetPrincipal(ctx)
	note := "admin " + p.Identity.ID
	if d := strings.TrimSpace(description); d != "" {
		note += ": " + d
	}
	return note
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	response.Data(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNoIdentity):
		fail(w, r, http.StatusUnauthorized, "identity.missing", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidIdentity):
		fail(w, r, http.StatusBadRequest, "identity.invalid", err.Error(), nil)
	case errors.Is(err, domain.ErrAccountRequired):
		fail(w, r, http.StatusForbidden, "auth.account_required", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrMissingOwner),
		errors.Is(err, domain.ErrMissingSharedID):
		fail(w, r, http.StatusBadRequest, "request.invalid", err.Error(), nil)
	case errors.Is(err, domain.ErrBalanceConflict):
		fail(w, r, http.StatusConflict, "balance.conflict", err.Error(), nil)
	case errors.Is(err, domain.ErrCodeCollision):
		response.RetryAfter(w, time.Second)
		fail(w, r, http.StatusServiceUnavailable, "referral.code_unavailable", "could not allocate a referral code", nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		fail(w, r, http.StatusServiceUnavailable, "request.canceled", "request canceled", nil)
	default:
		logger.WithCtx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		fail(w, r, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}

func fail(w http.ResponseWriter, r *http.Request, status int, code, message string, meta map[string]string) {
	response.Fail(w, status, code, message, meta, appCtx.TraceID(r.Context()))
}
