package clock

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/ntp"
	"github.com/rs/zerolog/log"
)

const ntpTimeout = 5 * time.Second

// SyncNTP queries host and applies the measured local clock offset to g.
// On failure the offset is left unchanged.
func (g *Generator) SyncNTP(ctx context.Context, host string) (time.Duration, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return g.Offset(), fmt.Errorf("clock: ntp host required")
	}

	type result struct {
		resp *ntp.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := ntp.QueryWithOptions(host, ntp.QueryOptions{Timeout: ntpTimeout})
		done <- result{resp: resp, err: err}
	}()

	var res result
	select {
	case <-ctx.Done():
		return g.Offset(), ctx.Err()
	case res = <-done:
	}
	if res.err != nil {
		return g.Offset(), fmt.Errorf("clock: ntp query %s: %w", host, res.err)
	}
	if err := res.resp.Validate(); err != nil {
		return g.Offset(), fmt.Errorf("clock: ntp response %s: %w", host, err)
	}
	g.SetOffset(res.resp.ClockOffset)
	log.Debug().
		Str("component", "clock").
		Str("host", host).
		Dur("offset", res.resp.ClockOffset).
		Dur("rtt", res.resp.RTT).
		Msg("ntp offset applied")
	return res.resp.ClockOffset, nil
}
