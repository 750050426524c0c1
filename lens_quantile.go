package optics

import (
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/grafana/optics/pkg/rng"
)

// quantilePayload estimates a target quantile as anchor + multiplier·step.
// The multiplier is the only mutable field and is shared across both epochs:
// the estimate converges over time rather than resetting per window.
type quantilePayload struct {
	target     float64
	anchor     float64
	step       float64
	multiplier int64 // atomic
}

const quantilePayloadLen = uint64(unsafe.Sizeof(quantilePayload{}))

func (o *Optics) quantileAlloc(name string, target, estimate, step float64) (*lensHdr, error) {
	if target <= 0 || target >= 1 {
		return nil, errors.Wrapf(ErrInvalidArgument,
			"quantile target %g outside (0, 1)", target)
	}

	lh, err := o.lensAlloc(TypeQuantile, quantilePayloadLen, name)
	if err != nil {
		return nil, err
	}

	q := (*quantilePayload)(payloadPtr(lh, TypeQuantile))
	q.target = target
	q.anchor = estimate
	q.step = step

	return lh, nil
}

// QuantileAlloc creates a target-quantile lens anchored at estimate and
// moving in increments of step, failing on a duplicate name.
func (o *Optics) QuantileAlloc(name string, target, estimate, step float64) (*Lens, error) {
	lh, err := o.quantileAlloc(name, target, estimate, step)
	if err != nil {
		return nil, err
	}
	return o.registerLens(lh, false)
}

// QuantileAllocGet creates a target-quantile lens or returns the existing
// lens with the same name.
func (o *Optics) QuantileAllocGet(name string, target, estimate, step float64) (*Lens, error) {
	lh, err := o.quantileAlloc(name, target, estimate, step)
	if err != nil {
		return nil, err
	}
	return o.registerLens(lh, true)
}

// QuantileUpdate nudges the estimate towards the target quantile of the
// observed stream: an observation below the estimate pulls it down with
// probability 1-q, an observation at or above it pushes it up with
// probability q.
func (l *Lens) QuantileUpdate(value float64) bool {
	p := payloadPtr(l.l, TypeQuantile)
	if p == nil {
		return false
	}

	q := (*quantilePayload)(p)
	estimate := q.anchor + float64(atomic.LoadInt64(&q.multiplier))*q.step
	below := rng.GenProb(q.target)

	if value < estimate {
		if !below {
			atomic.AddInt64(&q.multiplier, -1)
		}
	} else if below {
		atomic.AddInt64(&q.multiplier, 1)
	}

	return true
}

// QuantileRead returns the current estimate. The epoch is irrelevant but
// kept for uniformity with the other read paths.
func (l *Lens) QuantileRead(_ uint64) (float64, error) {
	p := payloadPtr(l.l, TypeQuantile)
	if p == nil {
		return 0, errors.Wrapf(ErrWrongType, "lens '%s' is %s", l.Name(), l.Type())
	}

	q := (*quantilePayload)(p)
	return q.anchor + float64(atomic.LoadInt64(&q.multiplier))*q.step, nil
}
