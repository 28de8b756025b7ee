package _switch

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/adwski/song-guess/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimout = time.Second
)

var (
	ErrDeadEndpoint = errors.New("dead endpoint")
)

type Config struct {
	Logger  *zerolog.Logger
	Timeout time.Duration
}

// Switch delivers events to connection wires. Delivery is best effort:
// an endpoint that does not take the event in time is logged and skipped.
type Switch struct {
	logger  zerolog.Logger
	timeout time.Duration
}

func NewSwitch(cfg Config) *Switch {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultFwdTimout
	}
	return &Switch{
		logger:  cfg.Logger.With().Str("component", "switch").Logger(),
		timeout: timeout,
	}
}

// Broadcast sends ev to every wire except exclude and returns the number of
// endpoints that got it. Zero-value exclude excludes nobody.
func (sw *Switch) Broadcast(ctx context.Context, ev model.Event, wires map[int]model.Wire, exclude model.Wire) int {
	ids := make([]int, 0, len(wires))
	for id := range wires {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var sent int
	for _, id := range ids {
		wire := wires[id]
		if wire == exclude {
			continue
		}
		if err := sw.send(ctx, ev, wire); err != nil {
			sw.logger.Error().Err(err).
				Int("dst", id).
				Str("type", ev.Type).
				Msg("failed to forward event")
			continue
		}
		sent++
	}
	if sent == 0 && len(wires) > 1 {
		sw.logger.Debug().Str("type", ev.Type).Msg("broadcast did not reach anyone")
	}
	return sent
}

// Send delivers ev to a single wire.
func (sw *Switch) Send(ctx context.Context, ev model.Event, wire model.Wire) error {
	return sw.send(ctx, ev, wire)
}

func (sw *Switch) send(ctx context.Context, ev model.Event, wire model.Wire) error {
	tCh := time.NewTimer(sw.timeout)
	defer tCh.Stop()

	select {
	case wire.TX <- ev:
		sw.logger.Trace().Str("type", ev.Type).Msg("event is forwarded")
		return nil
	case <-tCh.C:
		return ErrDeadEndpoint
	case <-ctx.Done():
		return ctx.Err()
	}
}
