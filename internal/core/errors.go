package core

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput marks a rejected command. The more specific errors
	// below wrap it so callers can match either.
	ErrInvalidInput = errors.New("invalid input")

	ErrTroveNotActive              = fmt.Errorf("%w: trove is not active", ErrInvalidInput)
	ErrTroveExists                 = fmt.Errorf("%w: trove already active", ErrInvalidInput)
	ErrUnknownAsset                = fmt.Errorf("%w: unknown collateral asset", ErrInvalidInput)
	ErrInsufficientCollateralRatio = fmt.Errorf("%w: insufficient collateral ratio", ErrInvalidInput)

	// ErrNothingToLiquidate is returned when a liquidation call found no
	// eligible trove. Nothing was changed.
	ErrNothingToLiquidate = errors.New("nothing to liquidate")

	// ErrStaleData wraps oracle failures. Nothing was changed.
	ErrStaleData = errors.New("stale price data")

	// ErrInvariantViolation means internal bookkeeping is inconsistent. The
	// engine refuses every later command.
	ErrInvariantViolation = errors.New("invariant violation")
)
