// Package prometheus registers a poller backend that retains the latest poll
// in memory and renders it as a Prometheus text exposition on GET
// /metrics/prometheus.
//
// Counter-typed series (and distribution counts) accumulate across polls so
// that the scraper observes monotone totals even though the shared-memory
// slots reset on every poll.
package prometheus

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/gorilla/mux"

	"github.com/grafana/optics"
)

// Route is the path the exposition is served under.
const Route = "/metrics/prometheus"

type series struct {
	typ    optics.LensType
	host   string
	source string
	value  optics.PollValue
}

// Backend double-buffers the per-poll series set: deliveries fill the build
// table, Done swaps it in under the lock the HTTP handler reads behind.
type Backend struct {
	logger log.Logger

	mu      sync.Mutex
	current map[string]*series

	build map[string]*series
}

// Register attaches the backend to the poller and its handler to the router.
func Register(poller *optics.Poller, router *mux.Router, logger log.Logger) (*Backend, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	b := &Backend{logger: logger, current: map[string]*series{}}
	router.HandleFunc(Route, b.ServeHTTP).Methods(http.MethodGet)

	if err := poller.Backend("prometheus", b.dump, nil); err != nil {
		return nil, err
	}
	return b, nil
}

func validChar(c rune) bool {
	return (c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9') ||
		c == '_' || c == ':'
}

// sanitize rewrites a dot-joined key into a legal Prometheus metric name.
func sanitize(key string) string {
	return strings.Map(func(c rune) rune {
		if validChar(c) {
			return c
		}
		return '_'
	}, key)
}

func (b *Backend) dump(event optics.PollEvent, poll *optics.Poll) {
	switch event {
	case optics.PollBegin:
		b.build = map[string]*series{}

	case optics.PollMetric:
		b.record(poll)

	case optics.PollDone:
		b.mu.Lock()
		b.current = b.build
		b.mu.Unlock()
		b.build = nil
	}
}

func (b *Backend) record(poll *optics.Poll) {
	if b.build == nil {
		return
	}

	key := sanitize(poll.Key.String())
	s := &series{
		typ:    poll.Type,
		host:   poll.Host,
		source: poll.Source,
		value:  poll.Value,
	}

	// Monotone totals survive the per-poll slot reset by folding in the
	// previous window's total.
	b.mu.Lock()
	if old, ok := b.current[key]; ok && old.typ == poll.Type {
		switch poll.Type {
		case optics.TypeCounter:
			s.value.Counter += old.value.Counter
		case optics.TypeDist:
			s.value.Dist.N += old.value.Dist.N
		}
	}
	b.mu.Unlock()

	b.build[key] = s
}

func (b *Backend) snapshot() map[string]*series {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// ServeHTTP renders the text exposition of the latest poll.
func (b *Backend) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	current := b.snapshot()

	keys := make([]string, 0, len(current))
	for k := range current {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	var sb strings.Builder
	for _, k := range keys {
		renderSeries(&sb, k, current[k])
	}
	w.Write([]byte(sb.String()))
}

func labels(s *series, extra string) string {
	parts := make([]string, 0, 3)
	parts = append(parts, fmt.Sprintf("host=%q", s.host))
	if s.source != "" {
		parts = append(parts, fmt.Sprintf("source=%q", s.source))
	}
	if extra != "" {
		parts = append(parts, extra)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func renderSeries(sb *strings.Builder, key string, s *series) {
	switch s.typ {
	case optics.TypeCounter:
		fmt.Fprintf(sb, "# TYPE %s counter\n", key)
		fmt.Fprintf(sb, "%s%s %d\n", key, labels(s, ""), s.value.Counter)

	case optics.TypeGauge:
		fmt.Fprintf(sb, "# TYPE %s gauge\n", key)
		fmt.Fprintf(sb, "%s%s %g\n", key, labels(s, ""), s.value.Gauge)

	case optics.TypeQuantile, optics.TypeStreaming:
		fmt.Fprintf(sb, "# TYPE %s gauge\n", key)
		fmt.Fprintf(sb, "%s%s %g\n", key, labels(s, ""), s.value.Quantile)

	case optics.TypeDist:
		d := &s.value.Dist
		fmt.Fprintf(sb, "# TYPE %s summary\n", key)
		fmt.Fprintf(sb, "%s%s %g\n", key, labels(s, `quantile="0.5"`), d.P50)
		fmt.Fprintf(sb, "%s%s %g\n", key, labels(s, `quantile="0.9"`), d.P90)
		fmt.Fprintf(sb, "%s%s %g\n", key, labels(s, `quantile="0.99"`), d.P99)
		fmt.Fprintf(sb, "%s_count%s %d\n", key, labels(s, ""), d.N)

	case optics.TypeHisto:
		h := &s.value.Histo
		fmt.Fprintf(sb, "# TYPE %s histogram\n", key)

		cumulative := h.Below
		for i, count := range h.Counts {
			cumulative += count
			fmt.Fprintf(sb, "%s_bucket%s %d\n",
				key, labels(s, fmt.Sprintf("le=%q", formatEdge(h.Edges[i+1]))), cumulative)
		}
		cumulative += h.Above
		fmt.Fprintf(sb, "%s_bucket%s %d\n", key, labels(s, `le="+Inf"`), cumulative)
		fmt.Fprintf(sb, "%s_count%s %d\n", key, labels(s, ""), cumulative)
	}
}

func formatEdge(edge float64) string {
	return fmt.Sprintf("%g", edge)
}
