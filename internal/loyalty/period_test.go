package loyalty

import (
	"testing"
	"time"
)

func TestPeriodStart(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)

	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{
			name: "mid month",
			in:   time.Date(2025, time.June, 15, 10, 30, 0, 0, time.UTC),
			want: time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "first instant stays put",
			in:   time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC),
			want: time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "zone normalized to UTC",
			in:   time.Date(2025, time.July, 1, 1, 0, 0, 0, loc),
			want: time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PeriodStart(tt.in); !got.Equal(tt.want) {
				t.Fatalf("PeriodStart(%v): got %v want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestRolloverBase(t *testing.T) {
	june := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	july := time.Date(2025, time.July, 1, 0, 0, 0, 0, time.UTC)
	may := time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name         string
		storedGB     int64
		storedPeriod time.Time
		at           time.Time
		wantBase     int64
		wantPeriod   time.Time
	}{
		{
			name:         "same month keeps running total",
			storedGB:     80,
			storedPeriod: june,
			at:           time.Date(2025, time.June, 20, 8, 0, 0, 0, time.UTC),
			wantBase:     80,
			wantPeriod:   june,
		},
		{
			name:         "next month discards prior total",
			storedGB:     80,
			storedPeriod: june,
			at:           time.Date(2025, time.July, 2, 0, 0, 0, 0, time.UTC),
			wantBase:     0,
			wantPeriod:   july,
		},
		{
			name:         "timestamp before stored period recomputes from timestamp",
			storedGB:     80,
			storedPeriod: june,
			at:           time.Date(2025, time.May, 30, 23, 0, 0, 0, time.UTC),
			wantBase:     0,
			wantPeriod:   may,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, period := RolloverBase(tt.storedGB, tt.storedPeriod, tt.at)
			if base != tt.wantBase {
				t.Fatalf("base: got %d want %d", base, tt.wantBase)
			}
			if !period.Equal(tt.wantPeriod) {
				t.Fatalf("period: got %v want %v", period, tt.wantPeriod)
			}
		})
	}
}

// Покупка в новом месяце даёт итог только из неё самой, и скидка
// пересчитывается от этого итога.
func TestRolloverResetWithPurchase(t *testing.T) {
	storedGB := int64(80)
	storedPeriod := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	paidAt := time.Date(2025, time.July, 3, 14, 0, 0, 0, time.UTC)

	base, _ := RolloverBase(storedGB, storedPeriod, paidAt)
	newTotal := base + 10

	if newTotal != 10 {
		t.Fatalf("new total: got %d want 10", newTotal)
	}
	if got := Default().Resolve(newTotal); got != 0 {
		t.Fatalf("discount after rollover: got %d want 0", got)
	}
}
