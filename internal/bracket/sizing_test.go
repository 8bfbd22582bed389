package bracket

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestContractsForRisk(t *testing.T) {
	tests := []struct {
		name     string
		risk     string
		stop     string
		point    string
		min, max int
		want     int
	}{
		{"risk 200 stop 2 at $5", "200", "2", "5", 1, 30, 20},
		{"clamped to max", "200", "2", "5", 1, 10, 10},
		{"floor of fractional contracts", "200", "3", "5", 1, 30, 13},
		{"below minimum", "5", "2", "5", 1, 30, 1},
		{"zero stop distance falls to minimum", "200", "0", "5", 2, 30, 2},
		{"no maximum", "1000", "1", "2", 1, 0, 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ContractsForRisk(
				decimal.RequireFromString(tt.risk),
				decimal.RequireFromString(tt.stop),
				decimal.RequireFromString(tt.point),
				tt.min, tt.max,
			)
			if got != tt.want {
				t.Fatalf("ContractsForRisk = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSplitTiers(t *testing.T) {
	tests := []struct {
		name         string
		total        int
		p1, p2       int
		t1, t2, t3   int
		wantAdjusted bool
	}{
		{"seven at 33/33/34", 7, 33, 33, 2, 2, 3, false},
		{"two contracts", 2, 33, 33, 1, 0, 1, false},
		{"one contract is all runner", 1, 33, 33, 0, 0, 1, false},
		{"three rounds a tier to zero", 3, 33, 33, 1, 1, 1, true},
		{"ten at 33/33", 10, 33, 33, 3, 3, 4, false},
		{"percentages over 100", 10, 60, 60, 1, 1, 8, true},
		{"zero runner forced", 4, 50, 50, 1, 1, 2, true},
		{"nothing", 0, 33, 33, 0, 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitTiers(tt.total, tt.p1, tt.p2)
			if got.T1 != tt.t1 || got.T2 != tt.t2 || got.T3 != tt.t3 {
				t.Fatalf("SplitTiers(%d) = %d/%d/%d, want %d/%d/%d",
					tt.total, got.T1, got.T2, got.T3, tt.t1, tt.t2, tt.t3)
			}
			if got.Adjusted != tt.wantAdjusted {
				t.Fatalf("Adjusted = %v, want %v", got.Adjusted, tt.wantAdjusted)
			}
		})
	}
}

func TestSplitTiersSumsToTotal(t *testing.T) {
	for _, pct := range [][2]int{{33, 33}, {10, 10}, {50, 50}, {60, 60}, {0, 0}, {-5, 40}} {
		for total := 1; total <= 100; total++ {
			s := SplitTiers(total, pct[0], pct[1])
			if s.Total() != total {
				t.Fatalf("pct %v total %d: tiers sum to %d", pct, total, s.Total())
			}
			if s.T1 < 0 || s.T2 < 0 || s.T3 < 0 {
				t.Fatalf("pct %v total %d: negative tier %+v", pct, total, s)
			}
			if total >= 3 && (s.T1 == 0 || s.T2 == 0 || s.T3 == 0) {
				t.Fatalf("pct %v total %d: empty tier %+v", pct, total, s)
			}
		}
	}
}
