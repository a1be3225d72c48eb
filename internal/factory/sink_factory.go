package factory

import (
	"LinkGuard/internal/config"
	"LinkGuard/internal/model"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

// SinkFactory creates an alert sink from its configuration block.
type SinkFactory func(cfg config.SinkConfig, logger zerolog.Logger) (model.AlertSink, error)

// registry holds the mapping of sink types to their factory functions.
var registry = make(map[string]SinkFactory)

// RegisterSink registers a new sink type with its factory function.
func RegisterSink(name string, factory SinkFactory) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("sink type '%s' already registered", name))
	}
	registry[name] = factory
}

// Registered lists the known sink types.
func Registered() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateSinks builds every sink listed in the alerter config. Sinks already
// created are closed if a later one fails.
func CreateSinks(cfg config.AlerterConfig, logger zerolog.Logger) ([]model.AlertSink, error) {
	var sinks []model.AlertSink
	for i, sc := range cfg.Sinks {
		logger.Info().Str("type", sc.Type).Msg("Creating alert sink")

		factory, ok := registry[sc.Type]
		if !ok {
			CloseSinks(sinks)
			return nil, fmt.Errorf("unknown sink type: '%s'", sc.Type)
		}

		sink, err := factory(sc, logger.With().Str("component", "sink").Str("sink", sc.Type).Logger())
		if err != nil {
			CloseSinks(sinks)
			return nil, fmt.Errorf("error creating sink %d (%s): %w", i, sc.Type, err)
		}
		sinks = append(sinks, sink)
	}
	return sinks, nil
}

// CloseSinks closes every sink and returns the joined close errors.
func CloseSinks(sinks []model.AlertSink) error {
	var errs []error
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sink %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
