package engine

import (
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"entity-engine/internal/instrument"
)

// webhookDelivery is one workflow webhook effect waiting to be sent.
type webhookDelivery struct {
	entity  string
	rowID   string
	action  string
	url     string
	method  string
	headers map[string]string
	body    []byte
}

// backoff returns the wait before the given retry: base × 2^(attempt-1).
func backoff(base time.Duration, attempt int) time.Duration {
	return time.Duration(math.Pow(2, float64(attempt-1))) * base
}

// deliver sends d, retrying failed attempts with exponential backoff until
// it succeeds, runs out of attempts, or the engine closes.
func (e *Engine) deliver(inst instrument.Instrumenter, d webhookDelivery) {
	defer e.webhooks.Done()
	ctx := instrument.WithInstrumenter(e.closing, inst)

	for attempt := 1; ; attempt++ {
		result := e.opts.Dispatch(ctx, d.url, d.method, d.headers, d.body)
		if result.OK() {
			if attempt > 1 {
				log.Info().Str("entity", d.entity).Str("row_id", d.rowID).Str("action", d.action).
					Int("attempt", attempt).Msg("workflow webhook delivered after retry")
			}
			return
		}

		ev := log.Warn().Str("entity", d.entity).Str("row_id", d.rowID).
			Str("action", d.action).Str("url", d.url).Int("attempt", attempt)
		if result.Error != "" {
			ev = ev.Str("error", result.Error)
		} else {
			ev = ev.Int("status", result.StatusCode)
		}
		if attempt >= e.opts.WebhookAttempts {
			ev.Msg("workflow webhook failed; giving up")
			return
		}
		ev.Msg("workflow webhook failed; retrying")

		timer := time.NewTimer(backoff(e.opts.WebhookBackoff, attempt))
		select {
		case <-timer.C:
		case <-e.closing.Done():
			timer.Stop()
			log.Warn().Str("entity", d.entity).Str("row_id", d.rowID).Str("action", d.action).
				Msg("workflow webhook abandoned on shutdown")
			return
		}
	}
}
