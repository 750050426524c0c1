package optics

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PollerMaxBackends bounds the number of backends a poller fans out to.
const PollerMaxBackends = 8

var (
	metricPollTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "optics",
		Name:      "poll_total",
		Help:      "Total number of polls executed.",
	})
	metricPollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "optics",
		Name:      "poll_duration_seconds",
		Help:      "Time spent polling every region on the host.",
		Buckets:   prometheus.ExponentialBuckets(.001, 4, 6),
	})
	metricPollOpenErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "optics",
		Name:      "poll_open_errors_total",
		Help:      "Total number of regions that could not be opened for polling.",
	})
	metricPollSkippedLenses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "optics",
		Name:      "poll_skipped_lenses_total",
		Help:      "Total number of lens reads skipped because a slot was busy.",
	})
	metricBackendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "optics",
		Name:      "backend_errors_total",
		Help:      "Total number of backend failures contained during delivery.",
	}, []string{"backend"})
)

// PollEvent frames the per-poll backend callback stream.
type PollEvent int

const (
	// PollBegin opens a poll cycle; the Poll argument is nil.
	PollBegin PollEvent = iota
	// PollMetric delivers one metric.
	PollMetric
	// PollDone closes a poll cycle; the Poll argument is nil.
	PollDone
)

// BackendFunc consumes poll deliveries. It is invoked sequentially per
// metric and must be non-blocking or bounded; a stuck backend stalls the
// poller globally.
type BackendFunc func(event PollEvent, poll *Poll)

type backend struct {
	name string
	dump BackendFunc
	free func()
}

// Poller discovers every metrics region on the host, advances their epochs
// and fans the snapshots out to its backends.
type Poller struct {
	logger   log.Logger
	host     string
	backends []backend
}

// NewPoller returns a poller with no backends registered.
func NewPoller(logger log.Logger) *Poller {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Poller{logger: logger}
}

// SetHost overrides the host name stamped on deliveries; by default each
// region's own host field is used.
func (p *Poller) SetHost(host string) { p.host = host }

// Backend registers a delivery target under a diagnostic name. free, when
// not nil, runs on Poller.Free.
func (p *Poller) Backend(name string, dump BackendFunc, free func()) error {
	if len(p.backends) >= PollerMaxBackends {
		return errors.Wrapf(ErrInvalidArgument,
			"reached poller backend capacity %d", PollerMaxBackends)
	}

	p.backends = append(p.backends, backend{name: name, dump: dump, free: free})
	return nil
}

// Free releases every backend.
func (p *Poller) Free() {
	for _, b := range p.backends {
		if b.free != nil {
			b.free()
		}
	}
	p.backends = nil
}

// emit delivers one event to every backend, containing per-backend panics so
// a failing backend never starves the others.
func (p *Poller) emit(event PollEvent, poll *Poll) {
	for i := range p.backends {
		b := &p.backends[i]
		func() {
			defer func() {
				if r := recover(); r != nil {
					metricBackendErrors.WithLabelValues(b.name).Inc()
					level.Warn(p.logger).Log(
						"msg", "backend failed during delivery",
						"backend", b.name, "err", r)
				}
			}()
			b.dump(event, poll)
		}()
	}
}
