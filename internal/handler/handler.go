package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/honeynil/PointsLedgerService/internal/infrastructure/auth"
	"github.com/honeynil/PointsLedgerService/internal/models"
	service "github.com/honeynil/PointsLedgerService/internal/services"
	pkgerrors "github.com/honeynil/PointsLedgerService/pkg/errors"
)

const idempotencyHeader = "Idempotency-Key"

type Handler struct {
	ledger   service.LedgerService
	vouchers service.VoucherService
	orders   service.OrderService
}

func NewHandler(ledger service.LedgerService, vouchers service.VoucherService, orders service.OrderService) *Handler {
	return &Handler{ledger: ledger, vouchers: vouchers, orders: orders}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pkgerrors.ErrInvalidInput),
		errors.Is(err, pkgerrors.ErrInsufficientPoints),
		errors.Is(err, pkgerrors.ErrInsufficientPointsAtFulfillment):
		return http.StatusBadRequest
	case errors.Is(err, pkgerrors.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, pkgerrors.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, pkgerrors.ErrVoucherNotFound),
		errors.Is(err, pkgerrors.ErrOrderNotFound),
		errors.Is(err, pkgerrors.ErrRewardNotFound):
		return http.StatusNotFound
	case errors.Is(err, pkgerrors.ErrAlreadyCompleted),
		errors.Is(err, pkgerrors.ErrRequestInProgress):
		return http.StatusConflict
	case errors.Is(err, pkgerrors.ErrStoreUnavailable),
		errors.Is(err, pkgerrors.ErrCodeSpaceExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	message := err.Error()
	switch {
	case status == http.StatusInternalServerError:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		message = "internal error"
	case status == http.StatusServiceUnavailable:
		// Outage errors wrap driver and network detail.
		slog.Warn("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		message = pkgerrors.Sentinel(err).Error()
	}
	if pkgerrors.IsRetryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, errorResponse{Error: message, Code: pkgerrors.Code(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.Join(pkgerrors.ErrInvalidInput, err)
	}
	return nil
}

func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return n
}

// beforeParam reads the history cursor. Absent means the newest page.
func beforeParam(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("before")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: before must be a non-negative integer", pkgerrors.ErrInvalidInput)
	}
	return n, nil
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (models.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		h.writeError(w, r, pkgerrors.ErrUnauthenticated)
	}
	return identity, ok
}

// RegisterRoutes mounts endpoints available to every authenticated caller.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/balance", h.GetBalance).Methods(http.MethodGet)
	r.HandleFunc("/transactions", h.ListTransactions).Methods(http.MethodGet)
	r.HandleFunc("/leaderboard", h.Leaderboard).Methods(http.MethodGet)
	r.HandleFunc("/vouchers", h.ListMyVouchers).Methods(http.MethodGet)
	r.Handle("/vouchers", auth.RequireRole(models.RoleResident)(http.HandlerFunc(h.RequestVoucher))).Methods(http.MethodPost)
	r.HandleFunc("/vouchers/{code}/cancel", h.CancelVoucher).Methods(http.MethodPost)
	r.HandleFunc("/orders", h.CreateOrder).Methods(http.MethodPost)
	r.HandleFunc("/orders", h.ListMyOrders).Methods(http.MethodGet)
}

// RegisterStaffRoutes mounts the staff console endpoints.
func (h *Handler) RegisterStaffRoutes(r *mux.Router) {
	r.HandleFunc("/users/{userID}/balance", h.StaffGetBalance).Methods(http.MethodGet)
	r.HandleFunc("/users/{userID}/transactions", h.StaffListTransactions).Methods(http.MethodGet)
	r.HandleFunc("/users/{userID}/transactions", h.StaffApplyTransaction).Methods(http.MethodPost)
	r.HandleFunc("/vouchers", h.StaffListVouchers).Methods(http.MethodGet)
	r.HandleFunc("/vouchers/{code}", h.StaffLookupVoucher).Methods(http.MethodGet)
	r.HandleFunc("/vouchers/{code}/fulfill", h.StaffFulfillVoucher).Methods(http.MethodPost)
	r.HandleFunc("/orders/{code}", h.StaffGetOrder).Methods(http.MethodGet)
	r.HandleFunc("/orders/{code}/complete", h.StaffCompleteOrder).Methods(http.MethodPost)
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.caller(w, r)
	if !ok {
		return
	}
	h.writeBalance(w, r, identity.UserID)
}

func (h *Handler) StaffGetBalance(w http.ResponseWriter, r *http.Request) {
	h.writeBalance(w, r, mux.Vars(r)["userID"])
}

func (h *Handler) writeBalance(w http.ResponseWriter, r *http.Request, userID string) {
	balance, err := h.ledger.GetBalance(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.Balance{UserID: userID, Balance: balance})
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.caller(w, r)
	if !ok {
		return
	}
	h.writeTransactions(w, r, identity.UserID)
}

func (h *Handler) StaffListTransactions(w http.ResponseWriter, r *http.Request) {
	h.writeTransactions(w, r, mux.Vars(r)["userID"])
}

func (h *Handler) writeTransactions(w http.ResponseWriter, r *http.Request, userID string) {
	before, err := beforeParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	page, err := h.ledger.ListTransactions(r.Context(), userID, before, limitParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := h.ledger.Leaderboard(r.Context(), limitParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type adjustmentRequest struct {
	Points      int64           `json:"points"`
	Description string          `json:"description"`
	Category    models.Category `json:"category,omitempty"`
}

// StaffApplyTransaction is the manual ledger: staff award or deduct points.
func (h *Handler) StaffApplyTransaction(w http.ResponseWriter, r *http.Request) {
	staff, ok := h.caller(w, r)
	if !ok {
		return
	}
	userID := mux.Vars(r)["userID"]

	var req adjustmentRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	key := ""
	if k := strings.TrimSpace(r.Header.Get(idempotencyHeader)); k != "" {
		key = "adjust:" + userID + ":" + k
	}
	tx, err := h.ledger.ApplyTransaction(r.Context(), models.TransactionRequest{
		UserID:         userID,
		Points:         req.Points,
		Description:    req.Description,
		Category:       req.Category,
		IdempotencyKey: key,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	slog.Info("manual ledger entry", "staff_id", staff.UserID, "user_id", userID, "points", tx.Points, "transaction_id", tx.ID)
	writeJSON(w, http.StatusCreated, tx)
}

type redemptionRequest struct {
	RewardID string `json:"reward_id"`
}

func (h *Handler) RequestVoucher(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req redemptionRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	v, err := h.vouchers.RequestRedemption(r.Context(), identity.UserID, req.RewardID, r.Header.Get(idempotencyHeader))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (h *Handler) ListMyVouchers(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.caller(w, r)
	if !ok {
		return
	}
	list, err := h.vouchers.ListUserVouchers(r.Context(), identity.UserID, limitParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// CancelVoucher lets a resident withdraw their own voucher. Staff may cancel
// any pending voucher.
func (h *Handler) CancelVoucher(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.caller(w, r)
	if !ok {
		return
	}
	owner := identity.UserID
	if identity.IsStaff() {
		owner = ""
	}
	v, err := h.vouchers.CancelRedemption(r.Context(), owner, mux.Vars(r)["code"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) StaffListVouchers(w http.ResponseWriter, r *http.Request) {
	list, err := h.vouchers.ListRecentVouchers(r.Context(), limitParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) StaffLookupVoucher(w http.ResponseWriter, r *http.Request) {
	view, err := h.vouchers.LookupVoucher(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type fulfillResponse struct {
	Voucher     *models.Voucher     `json:"voucher"`
	Transaction *models.Transaction `json:"transaction"`
}

func (h *Handler) StaffFulfillVoucher(w http.ResponseWriter, r *http.Request) {
	staff, ok := h.caller(w, r)
	if !ok {
		return
	}
	v, tx, err := h.vouchers.FulfillRedemption(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	slog.Info("voucher handed over", "staff_id", staff.UserID, "code", v.Code, "user_id", v.UserID)
	writeJSON(w, http.StatusOK, fulfillResponse{Voucher: v, Transaction: tx})
}

type orderRequest struct {
	Items []models.LineItem `json:"items"`
	Total int64             `json:"total,omitempty"`
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req orderRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	order, err := h.orders.CreateOrder(r.Context(), identity.UserID, identity.Name, req.Items, req.Total)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (h *Handler) ListMyOrders(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.caller(w, r)
	if !ok {
		return
	}
	orders, err := h.orders.ListUserOrders(r.Context(), identity.UserID, limitParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *Handler) StaffGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.GetOrder(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handler) StaffCompleteOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.CompleteOrder(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}
