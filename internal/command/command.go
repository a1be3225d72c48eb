package command

import (
	"LinkGuard/internal/metrics"
	"LinkGuard/internal/model"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Kind identifies a command.
type Kind int

const (
	KindPing Kind = iota
	KindSetMode
)

func (k Kind) String() string {
	if k == KindSetMode {
		return "set_mode"
	}
	return "ping"
}

// Command is one operator request.
type Command struct {
	Kind Kind
	Mode model.DetectionMode
	// Origin names the transport that delivered the command, for logs.
	Origin string
}

// SetMode builds a mode-switch command.
func SetMode(mode model.DetectionMode, origin string) Command {
	return Command{Kind: KindSetMode, Mode: mode, Origin: origin}
}

// Ping builds a liveness command.
func Ping(origin string) Command {
	return Command{Kind: KindPing, Origin: origin}
}

// Response reports the outcome of a command. Mode is the mode in force after
// the command was handled.
type Response struct {
	OK         bool                `json:"ok"`
	Reason     string              `json:"reason,omitempty"`
	Mode       model.DetectionMode `json:"mode"`
	AcceptedAt time.Time           `json:"accepted_at"`
	Err        error               `json:"-"`
}

func reject(err error, mode model.DetectionMode) Response {
	return Response{Reason: err.Error(), Mode: mode, Err: err}
}

// ErrClosed is returned for commands submitted after Close.
var ErrClosed = errors.New("command channel closed")

// ModeStore is the mode record the channel writes.
type ModeStore interface {
	Current() model.DetectionMode
	Set(mode model.DetectionMode, at time.Time) model.DetectionMode
}

// Validator checks that a mode can run with the loaded classifiers.
type Validator interface {
	Available(mode model.DetectionMode) error
}

type request struct {
	cmd   Command
	reply chan Response
}

// Channel serializes operator commands. Its Run loop is the only writer of
// the detection mode.
type Channel struct {
	requests  chan request
	closed    chan struct{}
	closeOnce sync.Once

	modes     ModeStore
	validator Validator
	limiter   *rate.Limiter
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// New creates a channel accepting ratePerSecond mode switches with the given burst.
func New(modes ModeStore, validator Validator, ratePerSecond float64, burst int, logger zerolog.Logger, m *metrics.Metrics) *Channel {
	return &Channel{
		requests:  make(chan request),
		closed:    make(chan struct{}),
		modes:     modes,
		validator: validator,
		limiter:   rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		logger:    logger.With().Str("component", "command").Logger(),
		metrics:   m,
		now:       time.Now,
	}
}

// Submit delivers a command and waits for its response.
func (c *Channel) Submit(ctx context.Context, cmd Command) Response {
	req := request{cmd: cmd, reply: make(chan Response, 1)}
	select {
	case c.requests <- req:
	case <-c.closed:
		return reject(ErrClosed, c.modes.Current())
	case <-ctx.Done():
		return reject(ctx.Err(), c.modes.Current())
	}
	select {
	case resp := <-req.reply:
		return resp
	case <-ctx.Done():
		return reject(ctx.Err(), c.modes.Current())
	}
}

// Run handles commands until ctx is done or the channel is closed.
func (c *Channel) Run(ctx context.Context) {
	c.logger.Info().Stringer("mode", c.modes.Current()).Msg("Command channel ready")
	for {
		select {
		case req := <-c.requests:
			req.reply <- c.handle(req.cmd)
		case <-c.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Close stops accepting commands. It is safe to call more than once.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.logger.Info().Msg("Command channel closed")
	})
}

func (c *Channel) handle(cmd Command) Response {
	current := c.modes.Current()
	log := c.logger.With().Str("command", cmd.Kind.String()).Str("origin", cmd.Origin).Logger()

	if cmd.Kind == KindPing {
		log.Debug().Msg("Ping")
		return Response{OK: true, Mode: current}
	}

	if !c.limiter.Allow() {
		c.metrics.CommandsRejected.WithLabelValues("rate_limited").Inc()
		log.Warn().Stringer("requested", cmd.Mode).Msg("Mode switch rejected: rate limited")
		return reject(fmt.Errorf("too many mode switches: %w", model.ErrRateLimited), current)
	}
	if err := c.validator.Available(cmd.Mode); err != nil {
		c.metrics.CommandsRejected.WithLabelValues("unavailable").Inc()
		log.Warn().Err(err).Stringer("requested", cmd.Mode).Msg("Mode switch rejected")
		return reject(err, current)
	}
	if cmd.Mode == current {
		return Response{OK: true, Mode: current, Reason: "already active"}
	}

	at := c.now()
	prev := c.modes.Set(cmd.Mode, at)
	c.metrics.ModeSwitches.WithLabelValues(cmd.Mode.String()).Inc()
	log.Info().Stringer("from", prev).Stringer("to", cmd.Mode).Msg("Detection mode switched")
	return Response{OK: true, Mode: cmd.Mode, AcceptedAt: at}
}

// Parse reads the textual command forms used by the prompt and the control
// clients: "ping", "mode <name>", or a bare mode name such as "hybrid" or "1".
func Parse(text string) (Command, error) {
	fields := strings.Fields(strings.ToLower(text))
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("empty command")
	}
	switch fields[0] {
	case "ping", "status":
		if len(fields) != 1 {
			return Command{}, fmt.Errorf("%s takes no arguments", fields[0])
		}
		return Ping(""), nil
	case "mode", "set", "set_mode":
		if len(fields) != 2 {
			return Command{}, fmt.Errorf("usage: mode <screener|confirmer|hybrid|manual:screener|manual:confirmer>")
		}
		fields = fields[1:]
	}
	if len(fields) != 1 {
		return Command{}, fmt.Errorf("unknown command %q", text)
	}
	mode, err := model.ParseDetectionMode(fields[0])
	if err != nil {
		return Command{}, err
	}
	return SetMode(mode, ""), nil
}
