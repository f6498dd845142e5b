// Package service реализует бизнес-логику сервиса adegloba-core.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/j1vetr/adegloba-core/internal/loyalty"
	"github.com/j1vetr/adegloba-core/internal/model"
	"github.com/j1vetr/adegloba-core/internal/repository"
	"github.com/j1vetr/adegloba-core/internal/stock"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	ClaimCredential(ctx context.Context, shipID, planID, orderID string) (*model.CredentialRecord, error)
	ReleaseCredential(ctx context.Context, credentialID int64) (bool, error)
	ReleaseByOrder(ctx context.Context, orderID string) (int, error)
	RevokeCredential(ctx context.Context, credentialID int64) error
	ProvisionCredentials(ctx context.Context, shipID, planID, batchID string, secrets []repository.CredentialSecret) (int, error)
	GetPoolCounts(ctx context.Context) ([]repository.PoolCounts, error)
	ApplyPurchase(ctx context.Context, userID string, gb int64, paidAt time.Time, tiers loyalty.Tiers) (*model.LoyaltyState, error)
	EnsureCurrentPeriod(ctx context.Context, userID string, now time.Time, tiers loyalty.Tiers) (*model.LoyaltyState, error)
	RegisterOrder(ctx context.Context, orderID string) (bool, error)
	AddPendingFulfillment(ctx context.Context, orderID, shipID, planID string, quantity int) error
	GetPendingFulfillments(ctx context.Context, limit int) ([]model.PendingFulfillment, error)
	ClaimPending(ctx context.Context, orderID, shipID, planID string) (*model.CredentialRecord, error)
	DeletePendingByOrder(ctx context.Context, orderID string) error
}

// FulfillmentResult содержит итог обработки события оплаты: выданные
// учётные данные и позиции, отложенные из-за исчерпанного пула.
type FulfillmentResult struct {
	Claimed   []model.CredentialRecord
	Deferred  []model.PendingFulfillment
	Duplicate bool
}

// Service содержит бизнес-логику сервиса adegloba-core.
type Service struct {
	repo   Repository
	tiers  loyalty.Tiers
	logger *zap.Logger
}

// NewService создаёт новый сервис с указанным репозиторием и таблицей
// порогов скидок. Таблица должна быть заранее провалидирована.
func NewService(repo Repository, tiers loyalty.Tiers, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		tiers:  tiers,
		logger: logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Tiers возвращает действующую таблицу порогов скидок.
func (s *Service) Tiers() loyalty.Tiers {
	return s.tiers
}

// HandleOrderPaid обрабатывает переход заказа в состояние «оплачен»:
// выдаёт по одним учётным данным на каждую единицу каждой позиции, а затем
// добавляет купленный объём к месячному итогу покупателя. Позиции, для
// которых пул исчерпан, откладываются и довыдаются фоновым циклом — заказ
// считается оплаченным, но невыполненным, и не завершается ошибкой.
// Сбой обновления лояльности тоже не считается ошибкой события: скидка
// будет восстановлена при следующем чтении или покупке.
func (s *Service) HandleOrderPaid(ctx context.Context, ev model.OrderPaid) (*FulfillmentResult, error) {
	if ev.OrderID == "" || ev.UserID == "" {
		return nil, errors.New("order_id and user_id are required")
	}
	if len(ev.Items) == 0 {
		return nil, errors.New("paid order has no items")
	}
	if ev.PaidAt.IsZero() {
		ev.PaidAt = time.Now().UTC()
	}

	// Вставку в processed_orders выигрывает ровно один экземпляр, поэтому
	// одновременная доставка того же события не приводит к двойной выдаче.
	first, err := s.repo.RegisterOrder(ctx, ev.OrderID)
	if err != nil {
		return nil, err
	}
	if !first {
		s.logger.Info("duplicate paid event ignored", zap.String("order", ev.OrderID))
		return &FulfillmentResult{Duplicate: true}, nil
	}

	res := &FulfillmentResult{}

	for _, item := range ev.Items {
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("item (%s, %s): quantity must be positive", item.ShipID, item.PlanID)
		}

		claimed := 0
		for claimed < item.Quantity {
			rec, err := s.repo.ClaimCredential(ctx, item.ShipID, item.PlanID, ev.OrderID)
			if err != nil {
				if errors.Is(err, repository.ErrPoolExhausted) {
					break
				}
				return nil, err
			}
			res.Claimed = append(res.Claimed, *rec)
			claimed++
		}

		if remaining := item.Quantity - claimed; remaining > 0 {
			if err := s.repo.AddPendingFulfillment(ctx, ev.OrderID, item.ShipID, item.PlanID, remaining); err != nil {
				return nil, err
			}
			res.Deferred = append(res.Deferred, model.PendingFulfillment{
				OrderID:  ev.OrderID,
				ShipID:   item.ShipID,
				PlanID:   item.PlanID,
				Quantity: remaining,
			})
			s.logger.Warn("credential pool exhausted, fulfillment deferred",
				zap.String("order", ev.OrderID),
				zap.String("ship", item.ShipID),
				zap.String("plan", item.PlanID),
				zap.Int("remaining", remaining),
			)
		}
	}

	var totalGB int64
	for _, item := range ev.Items {
		totalGB += item.DataLimitGB * int64(item.Quantity)
	}

	if _, err := s.repo.ApplyPurchase(ctx, ev.UserID, totalGB, ev.PaidAt, s.tiers); err != nil {
		s.logger.Error("loyalty update failed, will be repaired on next read",
			zap.Error(err),
			zap.String("order", ev.OrderID),
			zap.String("user", ev.UserID),
		)
	}

	return res, nil
}

// HandleOrderVoided обрабатывает отмену или возврат заказа: удаляет его
// отложенные позиции и возвращает все его учётные данные в пул. Отложенные
// позиции удаляются первыми, чтобы фоновый цикл довыдачи не выдал что-то
// отменяемому заказу уже после возврата. Накопленный объём лояльности не
// уменьшается. Повторная доставка события безвредна.
func (s *Service) HandleOrderVoided(ctx context.Context, ev model.OrderVoided) (int, error) {
	if ev.OrderID == "" {
		return 0, errors.New("order_id is required")
	}

	if err := s.repo.DeletePendingByOrder(ctx, ev.OrderID); err != nil {
		return 0, err
	}

	released, err := s.repo.ReleaseByOrder(ctx, ev.OrderID)
	if err != nil {
		return 0, err
	}

	if released > 0 {
		// Освободившийся запас сразу отдаём ожидающим заказам.
		s.processPendingBatch(ctx)
	}

	return released, nil
}

// ReleaseCredential возвращает одни учётные данные в пул по идентификатору.
// Возврат уже свободных учётных данных — не ошибка: оставляем предупреждение
// в логе, чтобы переживать дублирующиеся сигналы отмены.
func (s *Service) ReleaseCredential(ctx context.Context, credentialID int64) error {
	released, err := s.repo.ReleaseCredential(ctx, credentialID)
	if err != nil {
		return err
	}

	if !released {
		s.logger.Warn("release of unassigned credential ignored", zap.Int64("credential", credentialID))
	}

	return nil
}

// RevokeCredential навсегда выводит учётные данные из пула.
func (s *Service) RevokeCredential(ctx context.Context, credentialID int64) error {
	return s.repo.RevokeCredential(ctx, credentialID)
}

// Provision добавляет партию учётных данных в пул (судно, тариф) и
// возвращает идентификатор партии для аудита.
func (s *Service) Provision(ctx context.Context, shipID, planID string, secrets []repository.CredentialSecret) (string, int, error) {
	if shipID == "" || planID == "" {
		return "", 0, errors.New("ship_id and plan_id are required")
	}
	if len(secrets) == 0 {
		return "", 0, errors.New("credential list is empty")
	}
	for _, sec := range secrets {
		if sec.Username == "" || sec.Password == "" {
			return "", 0, errors.New("credential username and password are required")
		}
	}

	batchID := uuid.NewString()
	count, err := s.repo.ProvisionCredentials(ctx, shipID, planID, batchID, secrets)
	if err != nil {
		return "", 0, err
	}

	return batchID, count, nil
}

// GetStockSnapshots возвращает снимки запасов всех пулов с уровнями для
// панели оператора.
func (s *Service) GetStockSnapshots(ctx context.Context) ([]model.StockSnapshot, error) {
	counts, err := s.repo.GetPoolCounts(ctx)
	if err != nil {
		return nil, err
	}

	res := make([]model.StockSnapshot, 0, len(counts))
	for _, c := range counts {
		available, level := stock.Classify(c.Total, c.Assigned)
		res = append(res, model.StockSnapshot{
			ShipID:    c.ShipID,
			PlanID:    c.PlanID,
			Total:     c.Total,
			Assigned:  c.Assigned,
			Available: available,
			Revoked:   c.Revoked,
			Level:     level,
		})
	}

	return res, nil
}

// GetLoyaltyStatus возвращает состояние программы лояльности пользователя,
// выполнив при необходимости ленивый переход на текущий месяц.
func (s *Service) GetLoyaltyStatus(ctx context.Context, userID string) (*model.LoyaltyStatus, error) {
	state, err := s.repo.EnsureCurrentPeriod(ctx, userID, time.Now().UTC(), s.tiers)
	if err != nil {
		return nil, err
	}

	return &model.LoyaltyStatus{
		UserID:          userID,
		CurrentGB:       state.MonthlyDataGB,
		CurrentDiscount: state.DiscountPercent,
		Next:            s.tiers.Next(state.MonthlyDataGB),
		Tiers:           s.tiers,
	}, nil
}

// GetPendingFulfillments возвращает отложенные позиции для панели оператора.
func (s *Service) GetPendingFulfillments(ctx context.Context) ([]model.PendingFulfillment, error) {
	return s.repo.GetPendingFulfillments(ctx, 100)
}

// StartFulfillmentRetries запускает фоновый цикл довыдачи учётных данных
// заказам, отложенным из-за исчерпанного пула.
func (s *Service) StartFulfillmentRetries(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processPendingBatch(ctx)
			}
		}
	}()
}

func (s *Service) processPendingBatch(ctx context.Context) {
	pending, err := s.repo.GetPendingFulfillments(ctx, 100)
	if err != nil {
		s.logger.Error("load pending fulfillments failed", zap.Error(err))
		return
	}

	for _, p := range pending {
		claimed := 0
		for claimed < p.Quantity {
			// Списание единицы позиции и выдача атомарны: если заказ успели
			// отменить, позиция уже удалена и довыдача не происходит.
			_, err := s.repo.ClaimPending(ctx, p.OrderID, p.ShipID, p.PlanID)
			if err != nil {
				if errors.Is(err, repository.ErrPendingGone) || errors.Is(err, repository.ErrPoolExhausted) {
					break
				}
				s.logger.Error("retry claim failed", zap.Error(err), zap.String("order", p.OrderID))
				return
			}
			claimed++
		}

		if claimed == 0 {
			continue
		}

		s.logger.Info("deferred fulfillment progressed",
			zap.String("order", p.OrderID),
			zap.String("ship", p.ShipID),
			zap.String("plan", p.PlanID),
			zap.Int("claimed", claimed),
			zap.Int("remaining", p.Quantity-claimed),
		)
	}
}
