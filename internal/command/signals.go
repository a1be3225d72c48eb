package command

import (
	"LinkGuard/internal/model"
	"context"
	"errors"
	"os"
)

// SignalMap assigns OS signals to commands.
type SignalMap struct {
	// Cycle switches to the next available mode.
	Cycle os.Signal
	Ping  os.Signal
}

// RunSignals turns received signals into commands until ctx is done or sigs
// is closed.
func RunSignals(ctx context.Context, ch *Channel, sigs <-chan os.Signal, m SignalMap) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-sigs:
			if !ok {
				return
			}
			switch sig {
			case m.Cycle:
				cycleMode(ctx, ch)
			case m.Ping:
				resp := ch.Submit(ctx, Ping("signal"))
				ch.logger.Info().Stringer("mode", resp.Mode).Bool("ok", resp.OK).Msg("Ping via signal")
			}
		}
	}
}

// cycleMode submits the modes following the current one until one is accepted.
func cycleMode(ctx context.Context, ch *Channel) {
	current := ch.modes.Current()
	start := 0
	for i, m := range model.AllModes {
		if m == current {
			start = i + 1
			break
		}
	}
	for i := 0; i < len(model.AllModes)-1; i++ {
		next := model.AllModes[(start+i)%len(model.AllModes)]
		resp := ch.Submit(ctx, SetMode(next, "signal"))
		if resp.OK {
			return
		}
		if !errors.Is(resp.Err, model.ErrUnavailable) {
			return
		}
	}
}
