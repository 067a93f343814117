package observability

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/smira/go-statsd"
)

// statsdSink mirrors metric events to a statsd daemon. A nil sink drops them.
type statsdSink struct {
	client *statsd.Client
}

var activeSink atomic.Pointer[statsdSink]

// EnableStatsd starts mirroring metric events to addr. The returned func
// flushes and detaches the client.
func EnableStatsd(addr, prefix string) func() {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return func() {}
	}
	if prefix != "" && !strings.HasSuffix(prefix, ".") {
		prefix += "."
	}
	client := statsd.NewClient(addr,
		statsd.MetricPrefix(prefix),
		statsd.TagStyle(statsd.TagFormatDatadog),
		statsd.FlushInterval(time.Second),
	)
	s := &statsdSink{client: client}
	activeSink.Store(s)
	log.Info().Str("addr", addr).Str("prefix", prefix).Msg("observability: statsd enabled")
	return func() {
		activeSink.CompareAndSwap(s, nil)
		_ = client.Close()
	}
}

func sink() *statsdSink {
	return activeSink.Load()
}

func tag(name, value string) statsd.Tag {
	return statsd.StringTag(name, value)
}

func (s *statsdSink) incr(stat string, tags ...statsd.Tag) {
	if s == nil {
		return
	}
	s.client.Incr(stat, 1, tags...)
}

func (s *statsdSink) timing(stat string, d time.Duration, tags ...statsd.Tag) {
	if s == nil {
		return
	}
	s.client.PrecisionTiming(stat, d, tags...)
}

func (s *statsdSink) gauge(stat string, v int64, tags ...statsd.Tag) {
	if s == nil {
		return
	}
	s.client.Gauge(stat, v, tags...)
}
