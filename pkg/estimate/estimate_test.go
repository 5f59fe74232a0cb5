package estimate

import (
	"strings"
	"testing"
)

func TestCharEstimatorDefaults(test *testing.T) {
	test.Parallel()
	estimator := CharEstimator{}
	got := estimator.EstimateCost(strings.Repeat("a", 40))
	if got != 14 {
		test.Fatalf("expected 40/4 + 4 overhead = 14, got %d", got)
	}
	if estimator.EstimateCost("") != 4 {
		test.Fatalf("expected overhead only for empty input, got %d", estimator.EstimateCost(""))
	}
}

func TestCharEstimatorReplyAllowance(test *testing.T) {
	test.Parallel()
	estimator := CharEstimator{CharsPerToken: 2, ReplyAllowance: 500}
	got := estimator.EstimateCost(strings.Repeat("b", 10))
	if got != 5+4+500 {
		test.Fatalf("unexpected estimate %d", got)
	}
}

func TestEstimatesNeverNegative(test *testing.T) {
	test.Parallel()
	if got := (CharEstimator{ReplyAllowance: -10}).EstimateCost("hi"); got < 0 {
		test.Fatalf("expected non-negative estimate, got %d", got)
	}
	if got := Fixed(-3).EstimateCost("anything"); got != 0 {
		test.Fatalf("expected negative fixed estimate clamped to zero, got %d", got)
	}
	if got := Fixed(25).EstimateCost("anything"); got != 25 {
		test.Fatalf("expected 25, got %d", got)
	}
}
