package optics

import (
	"github.com/grafana/optics/pkg/key"
)

// PollValue carries the typed read-out of a lens; the field selected by the
// owning Poll's Type is the meaningful one.
type PollValue struct {
	Counter  int64
	Gauge    float64
	Dist     Dist
	Histo    Histo
	Quantile float64
}

// Poll is one metric delivery handed to every backend. Key is pre-joined as
// prefix[.source].name; backends that compose their own key shape (the
// carbon line protocol inserts the host) rebuild it from the parts.
type Poll struct {
	Host   string
	Prefix string
	Source string
	Name   string
	Key    *key.Key

	Type  LensType
	Value PollValue

	TS      uint64
	Elapsed uint64
}

// NormalizeFunc consumes one normalized (ts, key, value) tuple and reports
// whether to keep going.
type NormalizeFunc func(ts uint64, key string, value float64) bool

func (p *Poll) rescale(v float64) float64 {
	return v / float64(p.Elapsed)
}

// Normalize flattens the poll into per-second rates and pass-through values
// keyed under the poll's own key, emitting one tuple per derived sub-key.
func (p *Poll) Normalize(fn NormalizeFunc) bool {
	return p.NormalizeInto(p.Key, fn)
}

// NormalizeInto is Normalize against a caller-provided base key; sub-keys
// are pushed onto it and popped before returning.
func (p *Poll) NormalizeInto(k *key.Key, fn NormalizeFunc) bool {
	switch p.Type {
	case TypeCounter:
		return fn(p.TS, k.String(), p.rescale(float64(p.Value.Counter)))

	case TypeGauge:
		return fn(p.TS, k.String(), p.Value.Gauge)

	case TypeDist:
		return p.normalizeDist(k, fn)

	case TypeHisto:
		return p.normalizeHisto(k, fn)

	case TypeQuantile, TypeStreaming:
		return fn(p.TS, k.String(), p.Value.Quantile)
	}

	return false
}

func (p *Poll) emitSub(k *key.Key, sub string, fn NormalizeFunc, v float64) bool {
	old := k.Push(sub)
	ok := fn(p.TS, k.String(), v)
	k.Pop(old)
	return ok
}

func (p *Poll) normalizeDist(k *key.Key, fn NormalizeFunc) bool {
	d := &p.Value.Dist

	if !p.emitSub(k, "count", fn, p.rescale(float64(d.N))) {
		return false
	}
	if !p.emitSub(k, "p50", fn, d.P50) {
		return false
	}
	if !p.emitSub(k, "p90", fn, d.P90) {
		return false
	}
	if !p.emitSub(k, "p99", fn, d.P99) {
		return false
	}
	return p.emitSub(k, "max", fn, d.Max)
}

func (p *Poll) normalizeHisto(k *key.Key, fn NormalizeFunc) bool {
	h := &p.Value.Histo

	if !p.emitSub(k, "below", fn, p.rescale(float64(h.Below))) {
		return false
	}
	if !p.emitSub(k, "above", fn, p.rescale(float64(h.Above))) {
		return false
	}

	for i := range h.Counts {
		old := k.Pushf("bucket_%.3g_%.3g", h.Edges[i], h.Edges[i+1])
		ok := fn(p.TS, k.String(), p.rescale(float64(h.Counts[i])))
		k.Pop(old)
		if !ok {
			return false
		}
	}

	return true
}
