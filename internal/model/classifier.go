package model

import "context"

// Classifier turns a tail of window counts into a Verdict. Loaded models are
// immutable and safe for concurrent use.
type Classifier interface {
	Kind() ClassifierKind
	// TailLength is the exact number of counts Classify expects.
	TailLength() int
	Version() string
	Classify(ctx context.Context, tail []uint32) (Verdict, error)
}
