package model

import "errors"

var (
	// ErrInsufficientHistory is returned when the buffer holds fewer samples than a tail requires.
	ErrInsufficientHistory = errors.New("insufficient history")
	// ErrUnavailable is returned when a mode needs a classifier that is not loaded.
	ErrUnavailable = errors.New("classifier unavailable")
	ErrRateLimited = errors.New("rate limited")
	// ErrOutOfOrder is returned when a sample index does not strictly increase.
	ErrOutOfOrder = errors.New("sample index out of order")
	// ErrSchema is returned when a model artifact fails schema validation.
	ErrSchema = errors.New("artifact schema violation")
	// ErrTailLength is returned when a classifier receives a tail of the wrong length.
	ErrTailLength = errors.New("unexpected tail length")
)
