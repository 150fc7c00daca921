package models

import "time"

// LatePenalty computes the payout reduction for a milestone released after
// its due date. The penalty accrues per completed 24h period at dailyBPS
// basis points of the milestone amount, does not compound, is capped at
// capBPS, and rounds down to the smallest currency unit. Returns the payout
// and the penalty; payout + penalty == amount.
func LatePenalty(amount int64, dueAt, now time.Time, dailyBPS, capBPS int) (payout, penalty int64) {
	if amount <= 0 || !now.After(dueAt) || dailyBPS <= 0 {
		return amount, 0
	}
	daysLate := int64(now.Sub(dueAt) / (24 * time.Hour))
	if daysLate <= 0 {
		return amount, 0
	}
	bps := daysLate * int64(dailyBPS)
	if capBPS > 0 && bps > int64(capBPS) {
		bps = int64(capBPS)
	}
	if bps > 10000 {
		bps = 10000
	}
	penalty = amount * bps / 10000
	return amount - penalty, penalty
}

// PlatformFee computes the platform's cut of a payout in basis points,
// rounded down.
func PlatformFee(payout int64, feeBPS int) int64 {
	if payout <= 0 || feeBPS <= 0 {
		return 0
	}
	return payout * int64(feeBPS) / 10000
}
