// Package estimate provides pluggable cost estimation for billable work.
// The ledger consumes a single non-negative number; the formula behind it is
// an implementation detail of the estimator.
package estimate

// Estimator returns an upper-bound cost estimate for a unit of work given its
// input. Estimates must be non-negative and finite.
type Estimator interface {
	EstimateCost(input string) int64
}

const (
	defaultCharsPerToken   = 4
	defaultMessageOverhead = 4
)

// CharEstimator approximates token cost from character count (1 token ≈ 4
// chars). Rough, but an upper bound is all admission control needs; the
// actual provider usage reconciles the difference at settlement.
type CharEstimator struct {
	// CharsPerToken defaults to 4 when zero.
	CharsPerToken int
	// ReplyAllowance is added to every estimate to cover the completion the
	// provider will generate on top of the prompt.
	ReplyAllowance int64
}

// EstimateCost implements Estimator.
func (estimator CharEstimator) EstimateCost(input string) int64 {
	ratio := estimator.CharsPerToken
	if ratio <= 0 {
		ratio = defaultCharsPerToken
	}
	tokens := int64(len(input)/ratio) + defaultMessageOverhead
	allowance := estimator.ReplyAllowance
	if allowance < 0 {
		allowance = 0
	}
	return tokens + allowance
}

// Fixed always returns the same estimate. Useful for flat-rate billing and
// tests.
type Fixed int64

// EstimateCost implements Estimator.
func (fixed Fixed) EstimateCost(string) int64 {
	if fixed < 0 {
		return 0
	}
	return int64(fixed)
}
