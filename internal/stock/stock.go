// Package stock содержит классификацию уровня запасов пула учётных данных.
package stock

import "github.com/j1vetr/adegloba-core/internal/model"

// Пороговые доли свободных учётных данных. Граничные значения относятся
// к более высокому уровню.
const (
	criticalRatio = 0.10
	lowRatio      = 0.30
)

// Classify вычисляет количество свободных учётных данных и уровень запаса
// пула по общему числу и числу выданных. Функция чистая и детерминированная.
func Classify(total, assigned int) (available int, level model.StockLevel) {
	available = total - assigned
	if available < 0 {
		available = 0
	}

	if total == 0 {
		return 0, model.StockLevelCritical
	}

	ratio := float64(available) / float64(total)

	switch {
	case ratio < criticalRatio:
		return available, model.StockLevelCritical
	case ratio < lowRatio:
		return available, model.StockLevelLow
	default:
		return available, model.StockLevelAdequate
	}
}
