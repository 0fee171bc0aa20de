// Package worker drives triage cycles: it decides when the next cycle
// runs, blending push wake-ups with a polling fallback.
package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Trigger records what woke a triage cycle up.
type Trigger string

const (
	TriggerPush     Trigger = "push"
	TriggerFallback Trigger = "fallback"
)

// Dispatcher waits for push tokens with a polling fallback, and debounces
// bursts of tokens so one mail delivery does not fire several cycles.
type Dispatcher struct {
	tokens       <-chan string
	pollInterval time.Duration
	debounce     time.Duration
	log          zerolog.Logger
}

// NewDispatcher builds a dispatcher over a token stream. A nil tokens
// channel degrades to pure polling.
func NewDispatcher(tokens <-chan string, pollInterval, debounce time.Duration, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		tokens:       tokens,
		pollInterval: pollInterval,
		debounce:     debounce,
		log:          log.With().Str("component", "dispatcher").Logger(),
	}
}

// Wait blocks until the next cycle should run. It returns the trigger and
// false when ctx was canceled instead.
func (d *Dispatcher) Wait(ctx context.Context) (Trigger, bool) {
	timer := time.NewTimer(d.pollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return "", false
	case <-timer.C:
		return TriggerFallback, true
	case token := <-d.tokens:
		d.log.Debug().Str("state", token).Msg("push event received")
		if !d.settle(ctx) {
			return "", false
		}
		return TriggerPush, true
	}
}

// settle sleeps out the debounce window, swallowing any further tokens
// that arrive while mail is still landing.
func (d *Dispatcher) settle(ctx context.Context) bool {
	if d.debounce <= 0 {
		return true
	}
	deadline := time.NewTimer(d.debounce)
	defer deadline.Stop()

	collapsed := 0
	for {
		select {
		case <-ctx.Done():
			return false
		case <-d.tokens:
			collapsed++
		case <-deadline.C:
			if collapsed > 0 {
				d.log.Debug().Int("collapsed", collapsed).Msg("debounce window collapsed extra push events")
			}
			return true
		}
	}
}
