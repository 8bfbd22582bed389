package bracket

import "github.com/shopspring/decimal"

// ContractsForRisk sizes a position so that a stop-out loses at most
// riskDollars: floor(risk / (stopDistance * pointValue)), clamped to
// [minContracts, maxContracts]. A non-positive stop distance or point value
// yields minContracts.
func ContractsForRisk(riskDollars, stopDistance, pointValue decimal.Decimal, minContracts, maxContracts int) int {
	stopDollars := stopDistance.Mul(pointValue)
	n := minContracts
	if stopDollars.IsPositive() {
		n = int(riskDollars.Div(stopDollars).Floor().IntPart())
	}
	if n < minContracts {
		n = minContracts
	}
	if maxContracts > 0 && n > maxContracts {
		n = maxContracts
	}
	return n
}

// Split is a tier allocation of a position quantity.
type Split struct {
	T1, T2, T3 int
	// Adjusted is set when the percentage split had to be forced to a valid
	// allocation.
	Adjusted bool
}

// Total is the allocated quantity.
func (s Split) Total() int { return s.T1 + s.T2 + s.T3 }

// SplitTiers divides total across T1, T2 and the runner. One contract goes
// entirely to the runner, two split 1/0/1, and three or more use the
// percentages rounded down with the remainder on the runner. When any tier of
// a 3+ split would be empty, or the percentages do not produce a valid
// allocation, the split is forced to 1/1/remainder.
func SplitTiers(total, t1Percent, t2Percent int) Split {
	switch {
	case total <= 0:
		return Split{}
	case total == 1:
		return Split{T3: 1}
	case total == 2:
		return Split{T1: 1, T3: 1}
	}

	t1 := total * t1Percent / 100
	t2 := total * t2Percent / 100
	t3 := total - t1 - t2
	if t1 < 1 || t2 < 1 || t3 < 1 {
		return Split{T1: 1, T2: 1, T3: total - 2, Adjusted: true}
	}
	return Split{T1: t1, T2: t2, T3: t3}
}
