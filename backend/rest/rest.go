// Package rest registers a poller backend that retains the latest poll in
// memory and renders it as a JSON object on GET /metrics/json. Keys are the
// raw, unsanitized delivery keys; distributions and histograms render as
// nested objects.
package rest

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"github.com/grafana/optics"
)

// Route is the path the JSON document is served under.
const Route = "/metrics/json"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type entry struct {
	typ   optics.LensType
	value optics.PollValue
}

// Backend double-buffers the per-poll entry set, like the prometheus
// backend.
type Backend struct {
	logger log.Logger

	mu      sync.Mutex
	current map[string]*entry

	build map[string]*entry
}

// Register attaches the backend to the poller and its handler to the router.
func Register(poller *optics.Poller, router *mux.Router, logger log.Logger) (*Backend, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	b := &Backend{logger: logger, current: map[string]*entry{}}
	router.HandleFunc(Route, b.ServeHTTP).Methods(http.MethodGet)

	if err := poller.Backend("rest", b.dump, nil); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend) dump(event optics.PollEvent, poll *optics.Poll) {
	switch event {
	case optics.PollBegin:
		b.build = map[string]*entry{}

	case optics.PollMetric:
		if b.build == nil {
			return
		}

		e := &entry{typ: poll.Type, value: poll.Value}

		b.mu.Lock()
		if old, ok := b.current[poll.Key.String()]; ok && old.typ == poll.Type {
			switch poll.Type {
			case optics.TypeCounter:
				e.value.Counter += old.value.Counter
			case optics.TypeDist:
				e.value.Dist.N += old.value.Dist.N
			}
		}
		b.mu.Unlock()

		b.build[poll.Key.String()] = e

	case optics.PollDone:
		b.mu.Lock()
		b.current = b.build
		b.mu.Unlock()
		b.build = nil
	}
}

func (e *entry) render() interface{} {
	switch e.typ {
	case optics.TypeCounter:
		return e.value.Counter

	case optics.TypeGauge:
		return e.value.Gauge

	case optics.TypeQuantile, optics.TypeStreaming:
		return e.value.Quantile

	case optics.TypeDist:
		d := &e.value.Dist
		return map[string]interface{}{
			"count": d.N,
			"p50":   d.P50,
			"p90":   d.P90,
			"p99":   d.P99,
			"max":   d.Max,
		}

	case optics.TypeHisto:
		h := &e.value.Histo
		out := map[string]interface{}{
			"below": h.Below,
			"above": h.Above,
		}
		for i, count := range h.Counts {
			out[fmt.Sprintf("bucket_%.3g-%.3g", h.Edges[i], h.Edges[i+1])] = count
		}
		return out
	}

	return nil
}

// ServeHTTP renders the JSON document of the latest poll.
func (b *Backend) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	current := b.current
	b.mu.Unlock()

	doc := make(map[string]interface{}, len(current))
	for k, e := range current {
		doc[k] = e.render()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		level.Warn(b.logger).Log("msg", "unable to render metrics json", "err", err)
	}
}
