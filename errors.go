package classbalance

import "errors"

// Sentinel errors returned by the estimator. Callers should match with
// errors.Is since the estimator wraps them with context.
var (
	// ErrInvalidObservation indicates a malformed observation matrix:
	// ragged rows, values outside the LF output alphabet, or too few
	// examples to produce any triple counts.
	ErrInvalidObservation = errors.New("invalid observation matrix")

	// ErrShapeMismatch indicates a supplied overlap tensor whose
	// dimensions disagree with the estimator's class count or
	// abstention setting.
	ErrShapeMismatch = errors.New("overlap tensor shape mismatch")

	// ErrDegenerateInput indicates input that admits no valid fit, such
	// as fewer than three labeling functions (no distinct triples exist).
	ErrDegenerateInput = errors.New("degenerate input")
)
