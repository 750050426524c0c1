package optics

import (
	"time"

	"github.com/go-kit/log/level"

	"github.com/grafana/optics/pkg/clockutil"
	"github.com/grafana/optics/pkg/key"
	"github.com/grafana/optics/region"
)

type pollItem struct {
	optics   *Optics
	epoch    uint64
	lastPoll uint64
}

// Poll polls every region on the host at the current wall clock.
func (p *Poller) Poll() error {
	return p.PollAt(clockutil.WallSeconds())
}

// PollAt flips every region's epoch, yields so stragglers can finish writing
// the now-inactive slot, then reads the inactive slot of every lens and
// delivers the normalized results to every backend.
func (p *Poller) PollAt(ts uint64) error {
	start := time.Now()
	defer func() {
		metricPollTotal.Inc()
		metricPollDuration.Observe(time.Since(start).Seconds())
	}()

	var items []pollItem
	err := region.Foreach(func(name string) bool {
		o, err := Open(name)
		if err != nil {
			metricPollOpenErrors.Inc()
			level.Warn(p.logger).Log(
				"msg", "unable to open region", "region", name, "err", err)
			return true
		}

		items = append(items, pollItem{optics: o})
		return true
	})
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	defer func() {
		for i := range items {
			items[i].optics.Close()
		}
	}()

	for i := range items {
		items[i].epoch, items[i].lastPoll = items[i].optics.EpochIncAt(ts)
	}

	// Give stragglers that picked the now-inactive slot a chance to finish
	// their record. This is a probabilistic bound, not a correctness one:
	// a missed straggler merely lands in the next window.
	clockutil.Yield()

	p.emit(PollBegin, nil)
	for i := range items {
		p.pollOptics(&items[i], ts)
	}
	p.emit(PollDone, nil)

	return nil
}

func (p *Poller) pollOptics(item *pollItem, ts uint64) {
	o := item.optics

	var elapsed uint64
	switch {
	case ts > item.lastPoll:
		elapsed = ts - item.lastPoll
	case ts == item.lastPoll:
		elapsed = 1
	default:
		level.Warn(p.logger).Log(
			"msg", "clock out of sync", "region", o.Prefix(),
			"last_poll", item.lastPoll, "poller", ts)
		elapsed = 1
	}

	host := o.Host()
	if p.host != "" {
		host = p.host
	}

	poll := Poll{
		Host:    host,
		Prefix:  o.Prefix(),
		Source:  o.Source(),
		Key:     &key.Key{},
		TS:      ts,
		Elapsed: elapsed,
	}

	poll.Key.Push(poll.Prefix)
	if poll.Source != "" {
		poll.Key.Push(poll.Source)
	}

	err := o.ForeachLens(func(l *Lens) error {
		p.pollLens(&poll, l, item.epoch)
		return nil
	})
	if err != nil {
		level.Warn(p.logger).Log(
			"msg", "lens list traversal aborted",
			"region", poll.Prefix, "err", err)
	}
}

func (p *Poller) pollLens(poll *Poll, l *Lens, epoch uint64) {
	poll.Name = l.Name()
	old := poll.Key.Push(poll.Name)
	defer poll.Key.Pop(old)

	poll.Type = l.Type()
	poll.Value = PollValue{}

	var err error
	switch poll.Type {
	case TypeCounter:
		err = l.CounterRead(epoch, &poll.Value.Counter)
	case TypeGauge:
		poll.Value.Gauge, err = l.GaugeRead(epoch)
	case TypeDist:
		err = l.DistRead(epoch, &poll.Value.Dist)
	case TypeHisto:
		err = l.HistoRead(epoch, &poll.Value.Histo)
	case TypeQuantile:
		poll.Value.Quantile, err = l.QuantileRead(epoch)
	case TypeStreaming:
		poll.Value.Quantile, err = l.StreamingRead(epoch)
	default:
		level.Warn(p.logger).Log(
			"msg", "unknown lens type", "key", poll.Key.String(),
			"type", uint32(poll.Type))
		return
	}

	if err != nil {
		if IsBusy(err) {
			metricPollSkippedLenses.Inc()
			level.Warn(p.logger).Log(
				"msg", "skipping busy lens", "key", poll.Key.String())
			return
		}
		level.Warn(p.logger).Log(
			"msg", "unable to read lens", "key", poll.Key.String(), "err", err)
		return
	}

	p.emit(PollMetric, poll)
}
