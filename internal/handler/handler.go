// Package handler содержит HTTP-обработчики API сервиса adegloba-core.
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

	"github.com/j1vetr/adegloba-core/internal/middleware"
	"github.com/j1vetr/adegloba-core/internal/model"
	"github.com/j1vetr/adegloba-core/internal/repository"
	"github.com/j1vetr/adegloba-core/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	HandleOrderPaid(ctx context.Context, ev model.OrderPaid) (*service.FulfillmentResult, error)
	HandleOrderVoided(ctx context.Context, ev model.OrderVoided) (int, error)
	Provision(ctx context.Context, shipID, planID string, secrets []repository.CredentialSecret) (string, int, error)
	ReleaseCredential(ctx context.Context, credentialID int64) error
	RevokeCredential(ctx context.Context, credentialID int64) error
	GetStockSnapshots(ctx context.Context) ([]model.StockSnapshot, error)
	GetLoyaltyStatus(ctx context.Context, userID string) (*model.LoyaltyStatus, error)
	GetPendingFulfillments(ctx context.Context) ([]model.PendingFulfillment, error)
}

// Handler реализует HTTP-обработчики API сервиса adegloba-core.
type Handler struct {
	service     Service
	logger      *zap.Logger
	webhookAuth *middleware.WebhookAuth
	adminAuth   *middleware.AdminAuth
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, webhook *middleware.WebhookAuth, admin *middleware.AdminAuth) *Handler {
	return &Handler{
		service:     s,
		logger:      logger,
		webhookAuth: webhook,
		adminAuth:   admin,
	}
}

type claimedCredentialResponse struct {
	CredentialID int64  `json:"credential_id"`
	ShipID       string `json:"ship_id"`
	PlanID       string `json:"plan_id"`
	Username     string `json:"username"`
	Password     string `json:"password"`
}

type deferredItemResponse struct {
	ShipID   string `json:"ship_id"`
	PlanID   string `json:"plan_id"`
	Quantity int    `json:"quantity"`
}

type orderPaidResponse struct {
	OrderID   string                      `json:"order_id"`
	Duplicate bool                        `json:"duplicate,omitempty"`
	Claimed   []claimedCredentialResponse `json:"claimed"`
	Deferred  []deferredItemResponse      `json:"deferred,omitempty"`
}

// OrderPaid принимает событие оплаты заказа от внешней системы обработки
// заказов и возвращает выданные учётные данные. Исчерпанный пул не считается
// ошибкой: недовыданные позиции возвращаются в поле deferred.
func (h *Handler) OrderPaid(w http.ResponseWriter, r *http.Request) {
	var ev model.OrderPaid
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if ev.OrderID == "" || ev.UserID == "" || len(ev.Items) == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	for _, item := range ev.Items {
		if item.ShipID == "" || item.PlanID == "" || item.Quantity <= 0 || item.DataLimitGB < 0 {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}

	res, err := h.service.HandleOrderPaid(r.Context(), ev)
	if err != nil {
		h.logger.Error("order paid error", zap.Error(err), zap.String("order", ev.OrderID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := orderPaidResponse{
		OrderID:   ev.OrderID,
		Duplicate: res.Duplicate,
		Claimed:   make([]claimedCredentialResponse, 0, len(res.Claimed)),
	}
	for _, c := range res.Claimed {
		resp.Claimed = append(resp.Claimed, claimedCredentialResponse{
			CredentialID: c.ID,
			ShipID:       c.ShipID,
			PlanID:       c.PlanID,
			Username:     c.SecretUsername,
			Password:     c.SecretPassword,
		})
	}
	for _, d := range res.Deferred {
		resp.Deferred = append(resp.Deferred, deferredItemResponse{
			ShipID:   d.ShipID,
			PlanID:   d.PlanID,
			Quantity: d.Quantity,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type orderVoidedResponse struct {
	OrderID  string `json:"order_id"`
	Released int    `json:"released"`
}

// OrderVoided принимает событие отмены или возврата заказа.
func (h *Handler) OrderVoided(w http.ResponseWriter, r *http.Request) {
	var ev model.OrderVoided
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if ev.OrderID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	released, err := h.service.HandleOrderVoided(r.Context(), ev)
	if err != nil {
		h.logger.Error("order voided error", zap.Error(err), zap.String("order", ev.OrderID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(orderVoidedResponse{OrderID: ev.OrderID, Released: released}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type stockSnapshotResponse struct {
	ShipID    string `json:"ship_id"`
	PlanID    string `json:"plan_id"`
	Total     int    `json:"total"`
	Assigned  int    `json:"assigned"`
	Available int    `json:"available"`
	Revoked   int    `json:"revoked"`
	Level     string `json:"level"`
}

// GetStock возвращает снимки запасов всех пулов для панели оператора.
func (h *Handler) GetStock(w http.ResponseWriter, r *http.Request) {
	snapshots, err := h.service.GetStockSnapshots(r.Context())
	if err != nil {
		h.logger.Error("get stock error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]stockSnapshotResponse, 0, len(snapshots))
	for _, s := range snapshots {
		resp = append(resp, stockSnapshotResponse{
			ShipID:    s.ShipID,
			PlanID:    s.PlanID,
			Total:     s.Total,
			Assigned:  s.Assigned,
			Available: s.Available,
			Revoked:   s.Revoked,
			Level:     string(s.Level),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type loyaltyStatusResponse struct {
	UserID          string               `json:"user_id"`
	CurrentGB       int64                `json:"current_gb"`
	CurrentDiscount int                  `json:"current_discount"`
	NextTier        *model.NextTier      `json:"next_tier"`
	Tiers           []model.DiscountTier `json:"tiers"`
}

// GetLoyalty возвращает состояние программы лояльности пользователя.
func (h *Handler) GetLoyalty(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	status, err := h.service.GetLoyaltyStatus(r.Context(), userID)
	if err != nil {
		h.logger.Error("get loyalty error", zap.Error(err), zap.String("user", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := loyaltyStatusResponse{
		UserID:          status.UserID,
		CurrentGB:       status.CurrentGB,
		CurrentDiscount: status.CurrentDiscount,
		NextTier:        status.Next,
		Tiers:           status.Tiers,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type pendingFulfillmentResponse struct {
	OrderID   string `json:"order_id"`
	ShipID    string `json:"ship_id"`
	PlanID    string `json:"plan_id"`
	Quantity  int    `json:"quantity"`
	CreatedAt string `json:"created_at"`
}

// GetPending возвращает оплаченные, но не выполненные позиции заказов.
func (h *Handler) GetPending(w http.ResponseWriter, r *http.Request) {
	pending, err := h.service.GetPendingFulfillments(r.Context())
	if err != nil {
		h.logger.Error("get pending error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(pending) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]pendingFulfillmentResponse, 0, len(pending))
	for _, p := range pending {
		resp = append(resp, pendingFulfillmentResponse{
			OrderID:   p.OrderID,
			ShipID:    p.ShipID,
			PlanID:    p.PlanID,
			Quantity:  p.Quantity,
			CreatedAt: p.CreatedAt.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type provisionRequest struct {
	ShipID      string `json:"ship_id"`
	PlanID      string `json:"plan_id"`
	Credentials []struct {
		Username string `json:"username"`
		Password string `json:"password"`
	} `json:"credentials"`
}

type provisionResponse struct {
	BatchID string `json:"batch_id"`
	Count   int    `json:"count"`
}

// ProvisionCredentials пополняет пул (судно, тариф) партией учётных данных.
func (h *Handler) ProvisionCredentials(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.ShipID == "" || req.PlanID == "" || len(req.Credentials) == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	secrets := make([]repository.CredentialSecret, 0, len(req.Credentials))
	for _, c := range req.Credentials {
		if c.Username == "" || c.Password == "" {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		secrets = append(secrets, repository.CredentialSecret{Username: c.Username, Password: c.Password})
	}

	batchID, count, err := h.service.Provision(r.Context(), req.ShipID, req.PlanID, secrets)
	if err != nil {
		h.logger.Error("provision error", zap.Error(err), zap.String("ship", req.ShipID), zap.String("plan", req.PlanID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(provisionResponse{BatchID: batchID, Count: count}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// ReleaseCredential вручную возвращает учётные данные в пул — например, когда
// покупатель не дождался выдачи и оплата возвращена вне событий заказа.
// Возврат уже свободных учётных данных отвечает 200: операция идемпотентна.
func (h *Handler) ReleaseCredential(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.ReleaseCredential(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrCredentialNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("release error", zap.Error(err), zap.Int64("credential", id))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// RevokeCredential навсегда выводит учётные данные из пула.
func (h *Handler) RevokeCredential(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.RevokeCredential(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrCredentialNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		if errors.Is(err, repository.ErrCredentialRevoked) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("revoke error", zap.Error(err), zap.Int64("credential", id))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}
