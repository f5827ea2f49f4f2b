// Package router picks a provider for each capability using a decaying
// reward score and guards every provider with a circuit breaker.
package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/basket/vx11/internal/apierr"
)

// Outcome classifies a single provider call.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomePartialSuccess Outcome = "partial_success"
	OutcomeTimeout        Outcome = "timeout"
	OutcomeError          Outcome = "error"
	OutcomeFailure        Outcome = "failure"
)

// DefaultDecay is the per-outcome score decay.
const DefaultDecay = 0.95

var rewards = map[Outcome]float64{
	OutcomeSuccess:        0.20,
	OutcomePartialSuccess: 0.05,
	OutcomeTimeout:        -0.10,
	OutcomeError:          -0.25,
	OutcomeFailure:        -0.30,
}

// Reward returns the fixed reward for an outcome.
func Reward(o Outcome) float64 { return rewards[o] }

// ParseOutcome validates an outcome name.
func ParseOutcome(s string) (Outcome, error) {
	o := Outcome(s)
	if _, ok := rewards[o]; !ok {
		return "", fmt.Errorf("unknown outcome %q", s)
	}
	return o, nil
}

// IsFailure reports whether the outcome counts against the circuit breaker.
func (o Outcome) IsFailure() bool {
	return o == OutcomeTimeout || o == OutcomeError || o == OutcomeFailure
}

// NextScore applies decay and then the outcome reward, clamped to [-1, 1].
func NextScore(score, decay float64, o Outcome) float64 {
	return clamp(score*decay+Reward(o), -1.0, 1.0)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClassifyOutcome maps the result of a provider call to an outcome.
// 2xx is success (partial when flagged), a deadline is a timeout, a 4xx-class
// rejection is a failure and anything else is an error.
func ClassifyOutcome(resp *Response, err error) Outcome {
	if err == nil {
		if resp != nil && resp.Partial {
			return OutcomePartialSuccess
		}
		return OutcomeSuccess
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimeout
	}
	var ae *apierr.Error
	if errors.As(err, &ae) {
		switch ae.Code {
		case apierr.CodeUpstreamTimeout:
			return OutcomeTimeout
		case apierr.CodeBadRequest, apierr.CodeForbidden, apierr.CodeAuthRequired,
			apierr.CodeNotFound, apierr.CodeConflict, apierr.CodeUnknownIntent:
			return OutcomeFailure
		}
	}
	return OutcomeError
}
