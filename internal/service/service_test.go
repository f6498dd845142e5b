package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/j1vetr/adegloba-core/internal/loyalty"
	"github.com/j1vetr/adegloba-core/internal/model"
	"github.com/j1vetr/adegloba-core/internal/repository"
)

type appliedPurchase struct {
	userID string
	gb     int64
	paidAt time.Time
}

type stubRepo struct {
	available map[string]int
	nextID    int64
	claims    []model.CredentialRecord
	claimErr  error

	registered  map[string]bool
	registerErr error

	pending       []model.PendingFulfillment
	pendingAdded  []model.PendingFulfillment
	pendingLive   map[string]int
	deletedOrders []string
	onGetPending  func()

	releasedByOrder   int
	releaseByOrderErr error
	releaseAfterClean bool

	releaseResult bool
	releaseErr    error

	applied  []appliedPurchase
	applyErr error

	ensureState *model.LoyaltyState
	ensureErr   error

	counts    []repository.PoolCounts
	countsErr error

	provisioned int
}

func poolKey(shipID, planID string) string { return shipID + "|" + planID }

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) ClaimCredential(ctx context.Context, shipID, planID, orderID string) (*model.CredentialRecord, error) {
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	key := poolKey(shipID, planID)
	if s.available[key] <= 0 {
		return nil, fmt.Errorf("%w: ship %s plan %s", repository.ErrPoolExhausted, shipID, planID)
	}
	s.available[key]--
	s.nextID++
	rec := model.CredentialRecord{
		ID:             s.nextID,
		ShipID:         shipID,
		PlanID:         planID,
		SecretUsername: fmt.Sprintf("user-%d", s.nextID),
		SecretPassword: fmt.Sprintf("pass-%d", s.nextID),
		Status:         model.CredentialStatusAssigned,
		AssignedOrderID: &orderID,
	}
	s.claims = append(s.claims, rec)
	return &rec, nil
}

func (s *stubRepo) ReleaseCredential(ctx context.Context, credentialID int64) (bool, error) {
	return s.releaseResult, s.releaseErr
}

func (s *stubRepo) ReleaseByOrder(ctx context.Context, orderID string) (int, error) {
	for _, deleted := range s.deletedOrders {
		if deleted == orderID {
			s.releaseAfterClean = true
		}
	}
	return s.releasedByOrder, s.releaseByOrderErr
}

func (s *stubRepo) RevokeCredential(ctx context.Context, credentialID int64) error {
	return nil
}

func (s *stubRepo) ProvisionCredentials(ctx context.Context, shipID, planID, batchID string, secrets []repository.CredentialSecret) (int, error) {
	s.provisioned += len(secrets)
	return len(secrets), nil
}

func (s *stubRepo) GetPoolCounts(ctx context.Context) ([]repository.PoolCounts, error) {
	return s.counts, s.countsErr
}

func (s *stubRepo) ApplyPurchase(ctx context.Context, userID string, gb int64, paidAt time.Time, tiers loyalty.Tiers) (*model.LoyaltyState, error) {
	if s.applyErr != nil {
		return nil, s.applyErr
	}
	s.applied = append(s.applied, appliedPurchase{userID: userID, gb: gb, paidAt: paidAt})
	return &model.LoyaltyState{
		UserID:          userID,
		MonthlyDataGB:   gb,
		DiscountPercent: tiers.Resolve(gb),
	}, nil
}

func (s *stubRepo) EnsureCurrentPeriod(ctx context.Context, userID string, now time.Time, tiers loyalty.Tiers) (*model.LoyaltyState, error) {
	return s.ensureState, s.ensureErr
}

func (s *stubRepo) RegisterOrder(ctx context.Context, orderID string) (bool, error) {
	if s.registerErr != nil {
		return false, s.registerErr
	}
	if s.registered == nil {
		s.registered = make(map[string]bool)
	}
	if s.registered[orderID] {
		return false, nil
	}
	s.registered[orderID] = true
	return true, nil
}

func (s *stubRepo) AddPendingFulfillment(ctx context.Context, orderID, shipID, planID string, quantity int) error {
	s.pendingAdded = append(s.pendingAdded, model.PendingFulfillment{
		OrderID:  orderID,
		ShipID:   shipID,
		PlanID:   planID,
		Quantity: quantity,
	})
	return nil
}

func (s *stubRepo) GetPendingFulfillments(ctx context.Context, limit int) ([]model.PendingFulfillment, error) {
	if s.onGetPending != nil {
		s.onGetPending()
	}
	return s.pending, nil
}

func pendingKey(orderID, shipID, planID string) string {
	return orderID + "|" + poolKey(shipID, planID)
}

func (s *stubRepo) ClaimPending(ctx context.Context, orderID, shipID, planID string) (*model.CredentialRecord, error) {
	key := pendingKey(orderID, shipID, planID)
	if s.pendingLive[key] <= 0 {
		return nil, repository.ErrPendingGone
	}

	rec, err := s.ClaimCredential(ctx, shipID, planID, orderID)
	if err != nil {
		return nil, err
	}

	s.pendingLive[key]--
	if s.pendingLive[key] == 0 {
		delete(s.pendingLive, key)
	}
	return rec, nil
}

func (s *stubRepo) DeletePendingByOrder(ctx context.Context, orderID string) error {
	s.deletedOrders = append(s.deletedOrders, orderID)
	for key := range s.pendingLive {
		if strings.HasPrefix(key, orderID+"|") {
			delete(s.pendingLive, key)
		}
	}
	return nil
}

func newTestService(repo Repository) *Service {
	return NewService(repo, loyalty.Default(), zap.NewNop())
}

func TestHandleOrderPaid_ClaimsPerQuantity(t *testing.T) {
	repo := &stubRepo{available: map[string]int{poolKey("S1", "P1"): 3}}
	svc := newTestService(repo)

	res, err := svc.HandleOrderPaid(context.Background(), model.OrderPaid{
		OrderID: "O-1",
		UserID:  "U-1",
		Items: []model.OrderItem{
			{ShipID: "S1", PlanID: "P1", DataLimitGB: 50, Quantity: 2},
		},
		PaidAt: time.Date(2025, time.June, 10, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(res.Claimed) != 2 {
		t.Fatalf("claimed: got %d want 2", len(res.Claimed))
	}
	if res.Claimed[0].ID == res.Claimed[1].ID {
		t.Fatalf("both claims returned the same credential id %d", res.Claimed[0].ID)
	}
	if len(res.Deferred) != 0 {
		t.Fatalf("unexpected deferrals: %+v", res.Deferred)
	}

	if len(repo.applied) != 1 {
		t.Fatalf("loyalty updates: got %d want 1", len(repo.applied))
	}
	if repo.applied[0].gb != 100 {
		t.Fatalf("loyalty gb: got %d want 100", repo.applied[0].gb)
	}
}

func TestHandleOrderPaid_DefersWhenPoolExhausted(t *testing.T) {
	repo := &stubRepo{available: map[string]int{poolKey("S1", "P1"): 1}}
	svc := newTestService(repo)

	res, err := svc.HandleOrderPaid(context.Background(), model.OrderPaid{
		OrderID: "O-1",
		UserID:  "U-1",
		Items: []model.OrderItem{
			{ShipID: "S1", PlanID: "P1", DataLimitGB: 25, Quantity: 3},
		},
		PaidAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("pool exhaustion must not fail the event, got %v", err)
	}

	if len(res.Claimed) != 1 {
		t.Fatalf("claimed: got %d want 1", len(res.Claimed))
	}
	if len(res.Deferred) != 1 || res.Deferred[0].Quantity != 2 {
		t.Fatalf("deferred: %+v", res.Deferred)
	}
	if len(repo.pendingAdded) != 1 || repo.pendingAdded[0].Quantity != 2 {
		t.Fatalf("pending added: %+v", repo.pendingAdded)
	}

	// Лояльность начисляется за весь оплаченный объём, включая отложенный.
	if len(repo.applied) != 1 || repo.applied[0].gb != 75 {
		t.Fatalf("loyalty updates: %+v", repo.applied)
	}
}

func TestHandleOrderPaid_LoyaltyFailureDoesNotFailEvent(t *testing.T) {
	repo := &stubRepo{
		available: map[string]int{poolKey("S1", "P1"): 1},
		applyErr:  errors.New("loyalty storage down"),
	}
	svc := newTestService(repo)

	res, err := svc.HandleOrderPaid(context.Background(), model.OrderPaid{
		OrderID: "O-1",
		UserID:  "U-1",
		Items:   []model.OrderItem{{ShipID: "S1", PlanID: "P1", DataLimitGB: 10, Quantity: 1}},
		PaidAt:  time.Now(),
	})
	if err != nil {
		t.Fatalf("loyalty failure must not fail the event, got %v", err)
	}
	if len(res.Claimed) != 1 {
		t.Fatalf("claimed: got %d want 1", len(res.Claimed))
	}
}

func TestHandleOrderPaid_DuplicateEventIgnored(t *testing.T) {
	repo := &stubRepo{
		available:  map[string]int{poolKey("S1", "P1"): 5},
		registered: map[string]bool{"O-1": true},
	}
	svc := newTestService(repo)

	res, err := svc.HandleOrderPaid(context.Background(), model.OrderPaid{
		OrderID: "O-1",
		UserID:  "U-1",
		Items:   []model.OrderItem{{ShipID: "S1", PlanID: "P1", DataLimitGB: 10, Quantity: 1}},
		PaidAt:  time.Now(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !res.Duplicate {
		t.Fatalf("expected duplicate result")
	}
	if len(repo.claims) != 0 {
		t.Fatalf("duplicate event must not claim credentials, claimed %d", len(repo.claims))
	}
	if len(repo.applied) != 0 {
		t.Fatalf("duplicate event must not update loyalty")
	}
}

func TestHandleOrderPaid_Validation(t *testing.T) {
	svc := newTestService(&stubRepo{})

	_, err := svc.HandleOrderPaid(context.Background(), model.OrderPaid{OrderID: "O-1", UserID: "U-1"})
	if err == nil {
		t.Fatalf("expected error for order without items")
	}

	_, err = svc.HandleOrderPaid(context.Background(), model.OrderPaid{
		OrderID: "O-1",
		Items:   []model.OrderItem{{ShipID: "S1", PlanID: "P1", Quantity: 1}},
	})
	if err == nil {
		t.Fatalf("expected error for order without user")
	}
}

func TestHandleOrderVoided_ReleasesAndRetriesPending(t *testing.T) {
	repo := &stubRepo{
		available:       map[string]int{poolKey("S1", "P1"): 1},
		releasedByOrder: 1,
		pending: []model.PendingFulfillment{
			{OrderID: "O-4", ShipID: "S1", PlanID: "P1", Quantity: 1},
		},
		pendingLive: map[string]int{pendingKey("O-4", "S1", "P1"): 1},
	}
	svc := newTestService(repo)

	released, err := svc.HandleOrderVoided(context.Background(), model.OrderVoided{OrderID: "O-2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if released != 1 {
		t.Fatalf("released: got %d want 1", released)
	}
	if len(repo.deletedOrders) != 1 || repo.deletedOrders[0] != "O-2" {
		t.Fatalf("deleted orders: %+v", repo.deletedOrders)
	}
	if !repo.releaseAfterClean {
		t.Fatalf("pending rows must be removed before credentials are released")
	}

	// Освободившийся запас сразу уходит отложенному заказу O-4.
	if len(repo.claims) != 1 || *repo.claims[0].AssignedOrderID != "O-4" {
		t.Fatalf("pending retry claims: %+v", repo.claims)
	}
	if _, live := repo.pendingLive[pendingKey("O-4", "S1", "P1")]; live {
		t.Fatalf("fulfilled pending row not removed: %+v", repo.pendingLive)
	}
}

func TestHandleOrderPaid_RedeliveryClaimsOnce(t *testing.T) {
	repo := &stubRepo{available: map[string]int{poolKey("S1", "P1"): 5}}
	svc := newTestService(repo)

	ev := model.OrderPaid{
		OrderID: "O-1",
		UserID:  "U-1",
		Items:   []model.OrderItem{{ShipID: "S1", PlanID: "P1", DataLimitGB: 10, Quantity: 1}},
		PaidAt:  time.Now(),
	}

	first, err := svc.HandleOrderPaid(context.Background(), ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Duplicate || len(first.Claimed) != 1 {
		t.Fatalf("first delivery: %+v", first)
	}

	// Повторная доставка проигрывает вставку в processed_orders и не
	// выдаёт ничего сверх первой, даже если запас ещё есть.
	second, err := svc.HandleOrderPaid(context.Background(), ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("expected duplicate result")
	}
	if len(repo.claims) != 1 {
		t.Fatalf("claims after redelivery: got %d want 1", len(repo.claims))
	}
	if len(repo.applied) != 1 {
		t.Fatalf("loyalty updates after redelivery: got %d want 1", len(repo.applied))
	}
}

func TestFulfillmentRetry_SkipsJustVoidedOrder(t *testing.T) {
	repo := &stubRepo{
		available: map[string]int{poolKey("S1", "P1"): 1},
		pending: []model.PendingFulfillment{
			{OrderID: "O-2", ShipID: "S1", PlanID: "P1", Quantity: 2},
		},
		pendingLive: map[string]int{pendingKey("O-2", "S1", "P1"): 2},
	}
	svc := newTestService(repo)

	// Заказ отменяется после того, как цикл довыдачи прочитал список
	// отложенных позиций, но до попытки выдачи.
	repo.onGetPending = func() {
		if _, err := svc.HandleOrderVoided(context.Background(), model.OrderVoided{OrderID: "O-2"}); err != nil {
			t.Fatalf("void: %v", err)
		}
	}

	svc.processPendingBatch(context.Background())

	// Списание единицы позиции атомарно с выдачей: позиции уже нет,
	// поэтому отменённый заказ не получает учётные данные.
	if len(repo.claims) != 0 {
		t.Fatalf("voided order must not be fulfilled, claims: %+v", repo.claims)
	}
	if repo.available[poolKey("S1", "P1")] != 1 {
		t.Fatalf("pool must stay untouched, available: %+v", repo.available)
	}
}

func TestHandleOrderVoided_NoReleaseNoRetry(t *testing.T) {
	repo := &stubRepo{
		releasedByOrder: 0,
		pending: []model.PendingFulfillment{
			{OrderID: "O-4", ShipID: "S1", PlanID: "P1", Quantity: 1},
		},
	}
	svc := newTestService(repo)

	released, err := svc.HandleOrderVoided(context.Background(), model.OrderVoided{OrderID: "O-2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if released != 0 {
		t.Fatalf("released: got %d want 0", released)
	}
	if len(repo.claims) != 0 {
		t.Fatalf("no stock was freed, retry must not run")
	}
}

func TestReleaseCredential_NoopForUnassigned(t *testing.T) {
	repo := &stubRepo{releaseResult: false}
	svc := newTestService(repo)

	if err := svc.ReleaseCredential(context.Background(), 7); err != nil {
		t.Fatalf("releasing an unassigned credential must be a no-op, got %v", err)
	}
}

func TestGetStockSnapshots(t *testing.T) {
	repo := &stubRepo{
		counts: []repository.PoolCounts{
			{ShipID: "S1", PlanID: "P1", Total: 100, Assigned: 91, Revoked: 2},
			{ShipID: "S1", PlanID: "P2", Total: 100, Assigned: 90},
			{ShipID: "S2", PlanID: "P1", Total: 100, Assigned: 70},
		},
	}
	svc := newTestService(repo)

	snapshots, err := svc.GetStockSnapshots(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantLevels := []model.StockLevel{
		model.StockLevelCritical,
		model.StockLevelLow,
		model.StockLevelAdequate,
	}
	if len(snapshots) != len(wantLevels) {
		t.Fatalf("snapshots: got %d want %d", len(snapshots), len(wantLevels))
	}
	for i, s := range snapshots {
		if s.Level != wantLevels[i] {
			t.Fatalf("snapshot %d level: got %q want %q", i, s.Level, wantLevels[i])
		}
		if s.Available != s.Total-s.Assigned {
			t.Fatalf("snapshot %d available: got %d", i, s.Available)
		}
	}
	if snapshots[0].Revoked != 2 {
		t.Fatalf("revoked count lost: %+v", snapshots[0])
	}
}

func TestGetLoyaltyStatus_NextTier(t *testing.T) {
	repo := &stubRepo{
		ensureState: &model.LoyaltyState{
			UserID:          "U-1",
			MonthlyDataGB:   80,
			DiscountPercent: 10,
		},
	}
	svc := newTestService(repo)

	status, err := svc.GetLoyaltyStatus(context.Background(), "U-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if status.CurrentGB != 80 || status.CurrentDiscount != 10 {
		t.Fatalf("status: %+v", status)
	}
	if status.Next == nil || status.Next.NeededGB != 20 || status.Next.NextDiscount != 15 {
		t.Fatalf("next tier: %+v", status.Next)
	}
	if len(status.Tiers) != 4 {
		t.Fatalf("tiers: %+v", status.Tiers)
	}
}

func TestProvision(t *testing.T) {
	repo := &stubRepo{}
	svc := newTestService(repo)

	if _, _, err := svc.Provision(context.Background(), "S1", "P1", nil); err == nil {
		t.Fatalf("expected error for empty credential list")
	}

	if _, _, err := svc.Provision(context.Background(), "", "P1", []repository.CredentialSecret{{Username: "u", Password: "p"}}); err == nil {
		t.Fatalf("expected error for missing ship id")
	}

	batchID, count, err := svc.Provision(context.Background(), "S1", "P1", []repository.CredentialSecret{
		{Username: "u1", Password: "p1"},
		{Username: "u2", Password: "p2"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if batchID == "" {
		t.Fatalf("expected batch id")
	}
	if count != 2 || repo.provisioned != 2 {
		t.Fatalf("count: got %d, provisioned %d", count, repo.provisioned)
	}
}
