package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"TokenSettle/internal/assets"
	"TokenSettle/internal/models"
	"TokenSettle/internal/pricing"
	"TokenSettle/internal/services"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type Handler struct {
	Swaps     *services.SwapService
	Stakes    *services.StakeService
	Referrals *services.ReferralService
	Pricing   pricing.Service
	Assets    *assets.Registry
	Log       zerolog.Logger
}

type ownerKey struct{}

// requireOwner reads the authenticated owner id set by the gateway.
func requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.Header.Get("X-User-Id")
		if owner == "" {
			writeError(w, http.StatusUnauthorized, "missing user id")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	})
}

func ownerID(r *http.Request) string {
	owner, _ := r.Context().Value(ownerKey{}).(string)
	return owner
}

type swapRequest struct {
	InputAsset  string `json:"inputAsset"`
	Amount      string `json:"amount"`
	OutputAsset string `json:"outputAsset,omitempty"`
}

type signedRequest struct {
	Transaction string `json:"transaction"`
	PlanID      string `json:"planId,omitempty"`
}

type stakeRequest struct {
	Amount     string `json:"amount"`
	PlanID     string `json:"planId,omitempty"`
	LockMonths int    `json:"lockMonths,omitempty"`
}

type orderResponse struct {
	OrderID           string `json:"orderId"`
	Mode              string `json:"mode"`
	Status            string `json:"status"`
	InputAsset        string `json:"inputAsset"`
	InputQuantity     string `json:"inputQuantity"`
	OutputAsset       string `json:"outputAsset"`
	OutputQuantity    string `json:"outputQuantity"`
	SwapRate          string `json:"swapRate"`
	USDValue          string `json:"usdValue"`
	FundsInSignature  string `json:"fundsInSignature,omitempty"`
	FundsOutSignature string `json:"fundsOutSignature,omitempty"`
	FailureReason     string `json:"failureReason,omitempty"`
	CreatedAt         string `json:"createdAt"`
}

type stakeResponse struct {
	StakeID          string `json:"stakeId"`
	PlanID           string `json:"planId"`
	Status           string `json:"status"`
	Sequence         uint64 `json:"sequence"`
	StakeAccount     string `json:"stakeAccount"`
	StakeSignature   string `json:"stakeSignature"`
	UnstakeSignature string `json:"unstakeSignature,omitempty"`
	StakedQuantity   string `json:"stakedQuantity"`
	ClaimedQuantity  string `json:"claimedQuantity"`
	StartDate        string `json:"startDate"`
	EndDate          string `json:"endDate"`
}

type planResponse struct {
	PlanID       string `json:"planId"`
	InterestRate string `json:"interestRate"`
	LockMonths   int    `json:"lockMonths"`
}

type rewardResponse struct {
	RewardID            string `json:"rewardId"`
	OrderID             string `json:"orderId"`
	ReferredID          string `json:"referredId"`
	Kind                string `json:"kind"`
	Asset               string `json:"asset"`
	Quantity            string `json:"quantity"`
	Status              string `json:"status"`
	SettlementSignature string `json:"settlementSignature,omitempty"`
}

func NewHandler(swaps *services.SwapService, stakes *services.StakeService, referrals *services.ReferralService, prices pricing.Service, registry *assets.Registry, log zerolog.Logger) *Handler {
	return &Handler{Swaps: swaps, Stakes: stakes, Referrals: referrals, Pricing: prices, Assets: registry, Log: log}
}

func (h *Handler) GetPrice(w http.ResponseWriter, r *http.Request) {
	asset, err := h.Assets.Lookup(chi.URLParam(r, "asset"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown asset")
		return
	}
	snap, err := h.Pricing.CurrentSnapshot(r.Context(), asset)
	if err != nil {
		h.Log.Warn().Err(err).Str("asset", asset.Symbol).Msg("price unavailable")
		writeError(w, http.StatusServiceUnavailable, "price unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"asset":    snap.Symbol,
		"priceUsd": snap.PriceUSD.String(),
		"source":   snap.Source,
	})
}

func (h *Handler) CreateSwap(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeSwap(w, r)
	if !ok {
		return
	}
	order, err := h.Swaps.CreateSwap(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrder(order))
}

func (h *Handler) InitiateSwap(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeSwap(w, r)
	if !ok {
		return
	}
	initiated, err := h.Swaps.InitiateSwap(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order":       toOrder(initiated.Order),
		"transaction": initiated.Transaction,
	})
}

func (h *Handler) CompleteSwap(w http.ResponseWriter, r *http.Request) {
	var req signedRequest
	if !decode(w, r, &req) {
		return
	}
	order, err := h.Swaps.CompleteSwap(r.Context(), ownerID(r), chi.URLParam(r, "orderId"), req.Transaction)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrder(order))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.Swaps.GetOrder(r.Context(), ownerID(r), chi.URLParam(r, "orderId"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrder(order))
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.Swaps.ListOrders(r.Context(), ownerID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrder(o))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.Stakes.ListPlans(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := make([]planResponse, 0, len(plans))
	for _, p := range plans {
		if !p.Active {
			continue
		}
		out = append(out, planResponse{PlanID: p.PlanID, InterestRate: p.InterestRate.String(), LockMonths: p.LockMonths})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ListStakes(w http.ResponseWriter, r *http.Request) {
	stakes, err := h.Stakes.ListStakes(r.Context(), ownerID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := make([]stakeResponse, 0, len(stakes))
	for _, st := range stakes {
		out = append(out, toStake(st))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) CreateStake(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeStake(w, r)
	if !ok {
		return
	}
	st, err := h.Stakes.CreateStake(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStake(st))
}

func (h *Handler) PrepareStake(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeStake(w, r)
	if !ok {
		return
	}
	prepared, err := h.Stakes.PrepareStake(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prepared)
}

func (h *Handler) ExecuteStake(w http.ResponseWriter, r *http.Request) {
	var req signedRequest
	if !decode(w, r, &req) {
		return
	}
	st, err := h.Stakes.ExecuteStake(r.Context(), ownerID(r), req.PlanID, req.Transaction)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStake(st))
}

func (h *Handler) Unstake(w http.ResponseWriter, r *http.Request) {
	st, err := h.Stakes.Unstake(r.Context(), ownerID(r), chi.URLParam(r, "stakeId"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStake(st))
}

func (h *Handler) PrepareUnstake(w http.ResponseWriter, r *http.Request) {
	prepared, err := h.Stakes.PrepareUnstake(r.Context(), ownerID(r), chi.URLParam(r, "stakeId"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prepared)
}

func (h *Handler) ExecuteUnstake(w http.ResponseWriter, r *http.Request) {
	var req signedRequest
	if !decode(w, r, &req) {
		return
	}
	st, err := h.Stakes.ExecuteUnstake(r.Context(), ownerID(r), chi.URLParam(r, "stakeId"), req.Transaction)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStake(st))
}

func (h *Handler) ListRewards(w http.ResponseWriter, r *http.Request) {
	rewards, err := h.Referrals.ListRewards(r.Context(), ownerID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := make([]rewardResponse, 0, len(rewards))
	for _, rw := range rewards {
		resp := rewardResponse{
			RewardID:   rw.RewardID,
			OrderID:    rw.OrderID,
			ReferredID: rw.ReferredID,
			Kind:       string(rw.Kind),
			Asset:      rw.Asset,
			Quantity:   rw.Quantity.String(),
			Status:     string(rw.Status),
		}
		if rw.SettlementSignature != nil {
			resp.SettlementSignature = *rw.SettlementSignature
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) decodeSwap(w http.ResponseWriter, r *http.Request) (services.SwapRequest, bool) {
	var req swapRequest
	if !decode(w, r, &req) {
		return services.SwapRequest{}, false
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return services.SwapRequest{}, false
	}
	return services.SwapRequest{
		OwnerID:     ownerID(r),
		InputAsset:  req.InputAsset,
		InputAmount: amount,
		OutputAsset: req.OutputAsset,
	}, true
}

func (h *Handler) decodeStake(w http.ResponseWriter, r *http.Request) (services.StakeRequest, bool) {
	var req stakeRequest
	if !decode(w, r, &req) {
		return services.StakeRequest{}, false
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return services.StakeRequest{}, false
	}
	return services.StakeRequest{
		OwnerID:    ownerID(r),
		Amount:     amount,
		PlanID:     req.PlanID,
		LockMonths: req.LockMonths,
	}, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

// statusFor maps service errors onto HTTP statuses.
func statusFor(err error) (int, string) {
	var serr *services.SubmissionError
	switch {
	case errors.As(err, &serr):
		return http.StatusBadGateway, serr.UserMessage()
	case errors.Is(err, services.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, services.ErrInsufficientBalance):
		return http.StatusPaymentRequired, err.Error()
	case errors.Is(err, services.ErrInvalidCustody):
		return http.StatusPreconditionFailed, "custody key unavailable"
	case errors.Is(err, services.ErrReplay):
		return http.StatusConflict, err.Error()
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, services.ErrLockPeriod):
		return http.StatusLocked, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Log.Error().Err(err).Str("path", r.URL.Path).Str("owner_id", ownerID(r)).Msg("request failed")
	}
	writeError(w, status, msg)
}

func toOrder(o *models.Order) orderResponse {
	resp := orderResponse{
		OrderID:        o.OrderID,
		Mode:           string(o.Mode),
		Status:         string(o.Status),
		InputAsset:     o.InputAsset,
		InputQuantity:  o.InputQuantity.String(),
		OutputAsset:    o.OutputAsset,
		OutputQuantity: o.OutputQuantity.String(),
		SwapRate:       o.SwapRate.String(),
		USDValue:       o.USDValue.String(),
		CreatedAt:      o.CreatedAt.Format(time.RFC3339),
	}
	if o.FundsInSignature != nil {
		resp.FundsInSignature = *o.FundsInSignature
	}
	if o.FundsOutSignature != nil {
		resp.FundsOutSignature = *o.FundsOutSignature
	}
	if o.FailureReason != nil {
		resp.FailureReason = *o.FailureReason
	}
	return resp
}

func toStake(st *models.Stake) stakeResponse {
	resp := stakeResponse{
		StakeID:         st.StakeID,
		PlanID:          st.PlanID,
		Status:          string(st.Status),
		Sequence:        st.Sequence,
		StakeAccount:    st.StakeAccount,
		StakeSignature:  st.StakeSignature,
		StakedQuantity:  st.StakedQuantity.String(),
		ClaimedQuantity: st.ClaimedQuantity.String(),
		StartDate:       st.StartDate.Format(time.RFC3339),
		EndDate:         st.EndDate.Format(time.RFC3339),
	}
	if st.UnstakeSignature != nil {
		resp.UnstakeSignature = *st.UnstakeSignature
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
