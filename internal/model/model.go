// Package model содержит доменные сущности сервиса adegloba-core.
package model

import "time"

// CredentialStatus описывает состояние учётных данных в пуле.
type CredentialStatus string

const (
	CredentialStatusAvailable CredentialStatus = "available"
	CredentialStatusAssigned  CredentialStatus = "assigned"
	CredentialStatusRevoked   CredentialStatus = "revoked"
)

// CredentialRecord описывает одни учётные данные спутникового терминала,
// принадлежащие пулу (судно, тариф).
type CredentialRecord struct {
	ID              int64
	ShipID          string
	PlanID          string
	SecretUsername  string
	SecretPassword  string
	Status          CredentialStatus
	AssignedOrderID *string
	AssignedAt      *time.Time
	BatchID         string
	CreatedAt       time.Time
}

// LoyaltyState содержит накопленный объём покупок пользователя за текущий
// календарный месяц и действующую скидку.
type LoyaltyState struct {
	UserID          string
	MonthlyDataGB   int64
	DiscountPercent int
	PeriodStart     time.Time
	UpdatedAt       time.Time
}

// StockLevel описывает уровень запаса пула для панели оператора.
type StockLevel string

const (
	StockLevelCritical StockLevel = "critical"
	StockLevelLow      StockLevel = "low"
	StockLevelAdequate StockLevel = "adequate"
)

// StockSnapshot содержит счётчики пула, вычисленные в момент запроса.
// Снимок никогда не сохраняется: он всегда согласован с состоянием
// учётных данных на момент чтения.
type StockSnapshot struct {
	ShipID    string
	PlanID    string
	Total     int
	Assigned  int
	Available int
	Revoked   int
	Level     StockLevel
}

// OrderItem описывает позицию оплаченного заказа.
type OrderItem struct {
	ShipID      string `json:"ship_id"`
	PlanID      string `json:"plan_id"`
	DataLimitGB int64  `json:"data_limit_gb"`
	Quantity    int    `json:"quantity"`
}

// OrderPaid описывает событие перехода заказа в состояние «оплачен»,
// получаемое от внешней системы обработки заказов.
type OrderPaid struct {
	OrderID string      `json:"order_id"`
	UserID  string      `json:"user_id"`
	Items   []OrderItem `json:"items"`
	PaidAt  time.Time   `json:"paid_at"`
}

// OrderVoided описывает событие отмены или возврата оплаченного заказа.
type OrderVoided struct {
	OrderID string `json:"order_id"`
}

// PendingFulfillment описывает заказ, оплаченный при исчерпанном пуле и
// ожидающий появления свободных учётных данных.
type PendingFulfillment struct {
	OrderID   string
	ShipID    string
	PlanID    string
	Quantity  int
	CreatedAt time.Time
}

// DiscountTier описывает порог месячного объёма и соответствующую скидку.
type DiscountTier struct {
	MinGB           int64 `json:"min_gb" yaml:"min_gb"`
	DiscountPercent int   `json:"discount_percent" yaml:"discount_percent"`
}

// NextTier описывает ближайший недостигнутый порог скидки.
type NextTier struct {
	NeededGB     int64 `json:"needed_gb"`
	NextDiscount int   `json:"next_discount"`
}

// LoyaltyStatus содержит данные программы лояльности пользователя для
// административного API.
type LoyaltyStatus struct {
	UserID          string
	CurrentGB       int64
	CurrentDiscount int
	Next            *NextTier
	Tiers           []DiscountTier
}
