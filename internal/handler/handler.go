// Package handler содержит HTTP-обработчики API сервиса диспетчеризации.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/dispatch-system/internal/dispatch"
	"github.com/mmeshcher/dispatch-system/internal/lifecycle"
	"github.com/mmeshcher/dispatch-system/internal/middleware"
	"github.com/mmeshcher/dispatch-system/internal/model"
	"github.com/mmeshcher/dispatch-system/internal/repository"
	"github.com/mmeshcher/dispatch-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateBooking(ctx context.Context, in service.BookingInput) (*model.Booking, error)
	DispatchBoard(ctx context.Context) ([]model.Booking, error)
	GetBooking(ctx context.Context, id int64) (*model.Booking, error)
	Candidates(ctx context.Context, bookingID int64) ([]dispatch.Candidate, error)
	Assign(ctx context.Context, bookingID, expertID int64) error
	AcceptJob(ctx context.Context, expertID, bookingID int64) error
	StartJob(ctx context.Context, expertID, bookingID int64) error
	CompleteJob(ctx context.Context, expertID, bookingID int64) error
	CancelBooking(ctx context.Context, actor lifecycle.Actor, bookingID int64) error
	ExpertJobs(ctx context.Context, expertID int64) ([]model.Booking, error)
	UpdateLocation(ctx context.Context, expertID int64, lat, lon float64) error
	SetDuty(ctx context.Context, expertID int64, active bool, lat, lon *float64) error
	WalletBalance(ctx context.Context, pt model.PartyType, id int64) (float64, error)
	WalletTransactions(ctx context.Context, pt model.PartyType, id int64) ([]model.WalletTransaction, error)
	AdjustWallet(ctx context.Context, pt model.PartyType, id int64, amountRupees float64, txType model.TransactionType, description string) error
	RequestWithdrawal(ctx context.Context, pt model.PartyType, id int64, amountRupees float64, method, details string) (int64, error)
	ApproveWithdrawal(ctx context.Context, id int64) error
	ListWithdrawals(ctx context.Context) ([]model.WithdrawalRequest, error)
}

// Handler реализует HTTP-обработчики API сервиса диспетчеризации.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

func (h *Handler) requireRole(w http.ResponseWriter, r *http.Request, roles ...middleware.Role) (middleware.Identity, bool) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return middleware.Identity{}, false
	}

	for _, role := range roles {
		if identity.Role == role {
			return identity, true
		}
	}

	http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	return middleware.Identity{}, false
}

func idParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func partyType(role middleware.Role) (model.PartyType, bool) {
	switch role {
	case middleware.RoleExpert:
		return model.PartyTypeExpert, true
	case middleware.RoleAreaHead:
		return model.PartyTypeAreaHead, true
	default:
		return "", false
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error, msg string, fields ...zap.Field) {
	switch {
	case errors.Is(err, repository.ErrBookingNotFound),
		errors.Is(err, repository.ErrExpertNotFound),
		errors.Is(err, repository.ErrAreaHeadNotFound),
		errors.Is(err, repository.ErrWithdrawalNotFound),
		errors.Is(err, dispatch.ErrNoEligibleExpert):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, repository.ErrBookingNotPending),
		errors.Is(err, repository.ErrStaleCandidate),
		errors.Is(err, repository.ErrStatusConflict),
		errors.Is(err, repository.ErrAlreadySettled),
		errors.Is(err, repository.ErrAlreadyFinalized),
		errors.Is(err, repository.ErrWithdrawalNotPending),
		errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, lifecycle.ErrAlreadyFinalized):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	case errors.Is(err, lifecycle.ErrWrongActor),
		errors.Is(err, service.ErrNotBoundExpert):
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	case errors.Is(err, repository.ErrInsufficientBalance),
		errors.Is(err, service.ErrPaymentFailed):
		http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
	case errors.Is(err, service.ErrInvalidInput):
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
	default:
		h.logger.Error(msg, append(fields, zap.Error(err))...)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

type bookingResponse struct {
	ID            int64    `json:"id"`
	ServiceName   string   `json:"service_name"`
	Category      string   `json:"category,omitempty"`
	Amount        float64  `json:"amount"`
	Address       string   `json:"address,omitempty"`
	Latitude      *float64 `json:"latitude,omitempty"`
	Longitude     *float64 `json:"longitude,omitempty"`
	PaymentMode   string   `json:"payment_mode"`
	PaymentStatus string   `json:"payment_status"`
	Status        string   `json:"status"`
	ExpertID      *int64   `json:"expert_id,omitempty"`
	AreaHeadID    *int64   `json:"area_head_id,omitempty"`
	PlatformFee   *float64 `json:"platform_fee,omitempty"`
	ExpertPayout  *float64 `json:"expert_payout,omitempty"`
	CreatedAt     string   `json:"created_at"`
	CompletedAt   *string  `json:"completed_at,omitempty"`
}

func toBookingResponse(b model.Booking) bookingResponse {
	resp := bookingResponse{
		ID:            b.ID,
		ServiceName:   b.ServiceName,
		Category:      b.Category,
		Amount:        float64(b.TotalAmount) / 100,
		Address:       b.Address,
		Latitude:      b.Latitude,
		Longitude:     b.Longitude,
		PaymentMode:   string(b.PaymentMode),
		PaymentStatus: string(b.PaymentStatus),
		Status:        string(b.Status),
		ExpertID:      b.ExpertID,
		AreaHeadID:    b.AreaHeadID,
		CreatedAt:     b.CreatedAt.Format(time.RFC3339),
	}
	if b.PlatformFee != nil {
		v := float64(*b.PlatformFee) / 100
		resp.PlatformFee = &v
	}
	if b.ExpertPayout != nil {
		v := float64(*b.ExpertPayout) / 100
		resp.ExpertPayout = &v
	}
	if b.CompletedAt != nil {
		v := b.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &v
	}
	return resp
}

type createBookingRequest struct {
	ServiceName string   `json:"service_name"`
	Category    string   `json:"category"`
	Amount      float64  `json:"amount"`
	Address     string   `json:"address"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	PaymentMode string   `json:"payment_mode"`
	AreaHeadID  *int64   `json:"area_head_id"`
}

// CreateBooking создаёт новую заявку.
func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	b, err := h.service.CreateBooking(r.Context(), service.BookingInput{
		ServiceName:  req.ServiceName,
		Category:     req.Category,
		AmountRupees: req.Amount,
		Address:      req.Address,
		Latitude:     req.Latitude,
		Longitude:    req.Longitude,
		PaymentMode:  model.PaymentMode(req.PaymentMode),
		AreaHeadID:   req.AreaHeadID,
	})
	if err != nil {
		h.writeError(w, err, "create booking error")
		return
	}

	h.writeJSON(w, http.StatusCreated, toBookingResponse(*b))
}

// DispatchBoard возвращает все заявки для доски диспетчера.
func (h *Handler) DispatchBoard(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireRole(w, r, middleware.RoleAdmin); !ok {
		return
	}

	bookings, err := h.service.DispatchBoard(r.Context())
	if err != nil {
		h.writeError(w, err, "dispatch board error")
		return
	}

	resp := make([]bookingResponse, 0, len(bookings))
	for _, b := range bookings {
		resp = append(resp, toBookingResponse(b))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type candidateResponse struct {
	ExpertID   int64   `json:"expert_id"`
	Name       string  `json:"name"`
	Category   string  `json:"category"`
	DistanceKM float64 `json:"distance_km"`
	NoGPS      bool    `json:"no_gps,omitempty"`
}

// GetCandidates возвращает ранжированный список исполнителей для заявки.
func (h *Handler) GetCandidates(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireRole(w, r, middleware.RoleAdmin); !ok {
		return
	}

	bookingID, err := idParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	candidates, err := h.service.Candidates(r.Context(), bookingID)
	if err != nil {
		h.writeError(w, err, "get candidates error", zap.Int64("bookingID", bookingID))
		return
	}

	resp := make([]candidateResponse, 0, len(candidates))
	for _, c := range candidates {
		resp = append(resp, candidateResponse{
			ExpertID:   c.Expert.ID,
			Name:       c.Expert.Name,
			Category:   c.Expert.ServiceCategory,
			DistanceKM: c.DistanceKM,
			NoGPS:      c.NoGPS,
		})
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type assignRequest struct {
	ExpertID int64 `json:"expert_id"`
}

// AssignExpert назначает исполнителя на заявку.
func (h *Handler) AssignExpert(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireRole(w, r, middleware.RoleAdmin); !ok {
		return
	}

	bookingID, err := idParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ExpertID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.Assign(r.Context(), bookingID, req.ExpertID); err != nil {
		h.writeError(w, err, "assign expert error",
			zap.Int64("bookingID", bookingID), zap.Int64("expertID", req.ExpertID))
		return
	}

	w.WriteHeader(http.StatusOK)
}

// CancelBooking отменяет заявку от имени диспетчера или клиента.
func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireRole(w, r, middleware.RoleAdmin, middleware.RoleCustomer)
	if !ok {
		return
	}

	bookingID, err := idParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	actor := lifecycle.ActorDispatcher
	if identity.Role == middleware.RoleCustomer {
		actor = lifecycle.ActorCustomer
	}

	if err := h.service.CancelBooking(r.Context(), actor, bookingID); err != nil {
		h.writeError(w, err, "cancel booking error", zap.Int64("bookingID", bookingID))
		return
	}

	w.WriteHeader(http.StatusOK)
}

// ExpertJobs возвращает заявки текущего исполнителя.
func (h *Handler) ExpertJobs(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireRole(w, r, middleware.RoleExpert)
	if !ok {
		return
	}

	jobs, err := h.service.ExpertJobs(r.Context(), identity.ID)
	if err != nil {
		h.writeError(w, err, "expert jobs error", zap.Int64("expertID", identity.ID))
		return
	}

	if len(jobs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]bookingResponse, 0, len(jobs))
	for _, b := range jobs {
		resp = append(resp, toBookingResponse(b))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) expertTransition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, expertID, bookingID int64) error, msg string) {
	identity, ok := h.requireRole(w, r, middleware.RoleExpert)
	if !ok {
		return
	}

	bookingID, err := idParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := fn(r.Context(), identity.ID, bookingID); err != nil {
		h.writeError(w, err, msg, zap.Int64("bookingID", bookingID), zap.Int64("expertID", identity.ID))
		return
	}

	w.WriteHeader(http.StatusOK)
}

// AcceptJob подтверждает назначение от имени исполнителя.
func (h *Handler) AcceptJob(w http.ResponseWriter, r *http.Request) {
	h.expertTransition(w, r, h.service.AcceptJob, "accept job error")
}

// StartJob отмечает начало работы по заявке.
func (h *Handler) StartJob(w http.ResponseWriter, r *http.Request) {
	h.expertTransition(w, r, h.service.StartJob, "start job error")
}

// CompleteJob завершает заявку и проводит расчёт.
func (h *Handler) CompleteJob(w http.ResponseWriter, r *http.Request) {
	h.expertTransition(w, r, h.service.CompleteJob, "complete job error")
}

type dutyRequest struct {
	Active    bool     `json:"active"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// SetDuty включает или выключает смену исполнителя.
func (h *Handler) SetDuty(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireRole(w, r, middleware.RoleExpert)
	if !ok {
		return
	}

	var req dutyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.SetDuty(r.Context(), identity.ID, req.Active, req.Latitude, req.Longitude); err != nil {
		h.writeError(w, err, "set duty error", zap.Int64("expertID", identity.ID))
		return
	}

	w.WriteHeader(http.StatusOK)
}

type locationRequest struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// UpdateLocation обновляет координаты исполнителя.
func (h *Handler) UpdateLocation(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireRole(w, r, middleware.RoleExpert)
	if !ok {
		return
	}

	var req locationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.UpdateLocation(r.Context(), identity.ID, req.Latitude, req.Longitude); err != nil {
		h.writeError(w, err, "update location error", zap.Int64("expertID", identity.ID))
		return
	}

	w.WriteHeader(http.StatusOK)
}

type walletResponse struct {
	Balance float64 `json:"balance"`
}

// GetWallet возвращает баланс кошелька текущего участника.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireRole(w, r, middleware.RoleExpert, middleware.RoleAreaHead)
	if !ok {
		return
	}

	pt, _ := partyType(identity.Role)

	balance, err := h.service.WalletBalance(r.Context(), pt, identity.ID)
	if err != nil {
		h.writeError(w, err, "get wallet error", zap.Int64("userID", identity.ID))
		return
	}

	h.writeJSON(w, http.StatusOK, walletResponse{Balance: balance})
}

type transactionResponse struct {
	ID          int64   `json:"id"`
	Amount      float64 `json:"amount"`
	Type        string  `json:"type"`
	Reason      string  `json:"reason"`
	Description string  `json:"description,omitempty"`
	BookingID   *int64  `json:"booking_id,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

// GetWalletTransactions возвращает журнал операций по кошельку текущего участника.
func (h *Handler) GetWalletTransactions(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireRole(w, r, middleware.RoleExpert, middleware.RoleAreaHead)
	if !ok {
		return
	}

	pt, _ := partyType(identity.Role)

	txs, err := h.service.WalletTransactions(r.Context(), pt, identity.ID)
	if err != nil {
		h.writeError(w, err, "get wallet transactions error", zap.Int64("userID", identity.ID))
		return
	}

	if len(txs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		resp = append(resp, transactionResponse{
			ID:          tx.ID,
			Amount:      float64(tx.Amount) / 100,
			Type:        string(tx.TransactionType),
			Reason:      tx.Reason,
			Description: tx.Description,
			BookingID:   tx.BookingID,
			CreatedAt:   tx.CreatedAt.Format(time.RFC3339),
		})
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type withdrawalRequestBody struct {
	Amount         float64 `json:"amount"`
	PaymentMethod  string  `json:"payment_method"`
	PaymentDetails string  `json:"payment_details"`
}

// RequestWithdrawal создаёт заявку на вывод средств от текущего участника.
func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireRole(w, r, middleware.RoleExpert, middleware.RoleAreaHead)
	if !ok {
		return
	}

	var req withdrawalRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	pt, _ := partyType(identity.Role)

	id, err := h.service.RequestWithdrawal(r.Context(), pt, identity.ID, req.Amount, req.PaymentMethod, req.PaymentDetails)
	if err != nil {
		h.writeError(w, err, "request withdrawal error", zap.Int64("userID", identity.ID))
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

type withdrawalResponse struct {
	ID            int64   `json:"id"`
	UserType      string  `json:"user_type"`
	UserID        int64   `json:"user_id"`
	UserName      string  `json:"user_name,omitempty"`
	Amount        float64 `json:"amount"`
	PaymentMethod string  `json:"payment_method"`
	Status        string  `json:"status"`
	CreatedAt     string  `json:"created_at"`
}

// ListWithdrawals возвращает все заявки на вывод средств.
func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireRole(w, r, middleware.RoleAdmin); !ok {
		return
	}

	requests, err := h.service.ListWithdrawals(r.Context())
	if err != nil {
		h.writeError(w, err, "list withdrawals error")
		return
	}

	resp := make([]withdrawalResponse, 0, len(requests))
	for _, req := range requests {
		resp = append(resp, withdrawalResponse{
			ID:            req.ID,
			UserType:      string(req.UserType),
			UserID:        req.UserID,
			UserName:      req.UserName,
			Amount:        float64(req.Amount) / 100,
			PaymentMethod: req.PaymentMethod,
			Status:        string(req.Status),
			CreatedAt:     req.CreatedAt.Format(time.RFC3339),
		})
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// ApproveWithdrawal одобряет заявку на вывод средств.
func (h *Handler) ApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireRole(w, r, middleware.RoleAdmin); !ok {
		return
	}

	id, err := idParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.ApproveWithdrawal(r.Context(), id); err != nil {
		h.writeError(w, err, "approve withdrawal error", zap.Int64("withdrawalID", id))
		return
	}

	w.WriteHeader(http.StatusOK)
}

type adjustRequest struct {
	UserType    string  `json:"user_type"`
	UserID      int64   `json:"user_id"`
	Amount      float64 `json:"amount"`
	Type        string  `json:"type"`
	Description string  `json:"description"`
}

// AdjustWallet проводит ручную корректировку кошелька администратором.
func (h *Handler) AdjustWallet(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireRole(w, r, middleware.RoleAdmin); !ok {
		return
	}

	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	pt := model.PartyType(req.UserType)
	if pt != model.PartyTypeExpert && pt != model.PartyTypeAreaHead {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.AdjustWallet(r.Context(), pt, req.UserID, req.Amount, model.TransactionType(req.Type), req.Description)
	if err != nil {
		h.writeError(w, err, "adjust wallet error", zap.Int64("userID", req.UserID))
		return
	}

	w.WriteHeader(http.StatusOK)
}
