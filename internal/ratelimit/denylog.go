package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/formgate/internal/log"
)

// DenialLogger writes at most one "rate limit triggered" line per interval so a
// client hammering an endpoint cannot flood the logs. Denials in between are
// counted and reported on the next line.
type DenialLogger struct {
	logger     log.Logger
	route      string
	every      rate.Sometimes
	suppressed atomic.Int64
}

func NewDenialLogger(l log.Logger, route string, interval time.Duration) *DenialLogger {
	if l == nil {
		l = log.Nop()
	}
	return &DenialLogger{
		logger: l,
		route:  route,
		every:  rate.Sometimes{Interval: interval},
	}
}

func (d *DenialLogger) Log(ctx context.Context, id string) {
	logged := false
	d.every.Do(func() {
		logged = true
		d.logger.Warn(ctx, "rate limit triggered",
			"route", d.route,
			"client", id,
			"suppressed", d.suppressed.Swap(0),
		)
	})
	if !logged {
		d.suppressed.Add(1)
	}
}
