// Package loyalty содержит таблицу порогов скидок программы лояльности
// и вычисление скидки по месячному объёму покупок.
package loyalty

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/j1vetr/adegloba-core/internal/model"
)

// ErrNoFloorTier возвращается, если таблица порогов не содержит нулевой
// порог: без него скидка была бы не определена для малых объёмов.
var ErrNoFloorTier = errors.New("tier table must contain a min_gb = 0 floor tier")

// Tiers — упорядоченная по убыванию min_gb таблица порогов скидок.
type Tiers []model.DiscountTier

// Default возвращает таблицу порогов скидок по умолчанию.
func Default() Tiers {
	return Tiers{
		{MinGB: 100, DiscountPercent: 15},
		{MinGB: 50, DiscountPercent: 10},
		{MinGB: 25, DiscountPercent: 5},
		{MinGB: 0, DiscountPercent: 0},
	}
}

// Validate проверяет корректность таблицы: наличие нулевого порога,
// строго убывающие min_gb и невозрастающие скидки, чтобы сохранялась
// монотонность: больший объём никогда не даёт меньшую скидку.
func (t Tiers) Validate() error {
	if len(t) == 0 {
		return ErrNoFloorTier
	}

	for i, tier := range t {
		if tier.MinGB < 0 {
			return fmt.Errorf("tier %d: negative min_gb %d", i, tier.MinGB)
		}
		if tier.DiscountPercent < 0 || tier.DiscountPercent > 100 {
			return fmt.Errorf("tier %d: discount %d%% out of range", i, tier.DiscountPercent)
		}
		if i > 0 {
			prev := t[i-1]
			if tier.MinGB >= prev.MinGB {
				return fmt.Errorf("tier %d: min_gb %d not below previous %d", i, tier.MinGB, prev.MinGB)
			}
			if tier.DiscountPercent > prev.DiscountPercent {
				return fmt.Errorf("tier %d: discount %d%% above previous %d%%", i, tier.DiscountPercent, prev.DiscountPercent)
			}
		}
	}

	if t[len(t)-1].MinGB != 0 {
		return ErrNoFloorTier
	}

	return nil
}

// Resolve возвращает процент скидки для указанного месячного объёма:
// скидку первого порога, чей min_gb не превышает totalGB.
func (t Tiers) Resolve(totalGB int64) int {
	for _, tier := range t {
		if totalGB >= tier.MinGB {
			return tier.DiscountPercent
		}
	}
	return 0
}

// Next возвращает ближайший недостигнутый порог и объём, которого не
// хватает до него. Для верхнего порога возвращает nil.
func (t Tiers) Next(totalGB int64) *model.NextTier {
	for i := len(t) - 1; i >= 0; i-- {
		if totalGB < t[i].MinGB {
			return &model.NextTier{
				NeededGB:     t[i].MinGB - totalGB,
				NextDiscount: t[i].DiscountPercent,
			}
		}
	}
	return nil
}

type tiersFile struct {
	Tiers []model.DiscountTier `yaml:"tiers"`
}

// LoadFile читает таблицу порогов из YAML-файла, сортирует её по убыванию
// min_gb и валидирует.
func LoadFile(path string) (Tiers, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tiers file: %w", err)
	}

	var f tiersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tiers file: %w", err)
	}

	tiers := Tiers(f.Tiers)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinGB > tiers[j].MinGB })

	if err := tiers.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tiers file: %w", err)
	}

	return tiers, nil
}
