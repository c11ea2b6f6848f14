package math

import "errors"

var (
	ErrNegativeAmount = errors.New("fixedpoint: negative amount")
	ErrAmountOverflow = errors.New("fixedpoint: amount exceeds 256 bits")
	ErrAmountTooLarge = errors.New("fixedpoint: amount too large")
)
