package optics

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/grafana/optics/pkg/rng"
)

// streamingPayload estimates a target quantile by mutating the estimate
// directly. The mutation is not atomic: a streaming lens supports a single
// writer only. Use a quantile lens when several goroutines or processes
// record into the same name.
type streamingPayload struct {
	target   float64
	estimate float64
	step     float64
}

const streamingPayloadLen = uint64(unsafe.Sizeof(streamingPayload{}))

func (o *Optics) streamingAlloc(name string, target, estimate, step float64) (*lensHdr, error) {
	if target <= 0 || target >= 1 {
		return nil, errors.Wrapf(ErrInvalidArgument,
			"quantile target %g outside (0, 1)", target)
	}

	lh, err := o.lensAlloc(TypeStreaming, streamingPayloadLen, name)
	if err != nil {
		return nil, err
	}

	s := (*streamingPayload)(payloadPtr(lh, TypeStreaming))
	s.target = target
	s.estimate = estimate
	s.step = step

	return lh, nil
}

// StreamingAlloc creates a streaming-quantile lens, failing on a duplicate
// name. See streamingPayload for the single-writer restriction.
func (o *Optics) StreamingAlloc(name string, target, estimate, step float64) (*Lens, error) {
	lh, err := o.streamingAlloc(name, target, estimate, step)
	if err != nil {
		return nil, err
	}
	return o.registerLens(lh, false)
}

// StreamingAllocGet creates a streaming-quantile lens or returns the
// existing lens with the same name.
func (o *Optics) StreamingAllocGet(name string, target, estimate, step float64) (*Lens, error) {
	lh, err := o.streamingAlloc(name, target, estimate, step)
	if err != nil {
		return nil, err
	}
	return o.registerLens(lh, true)
}

// StreamingUpdate nudges the estimate towards the target quantile. Single
// writer only.
func (l *Lens) StreamingUpdate(value float64) bool {
	p := payloadPtr(l.l, TypeStreaming)
	if p == nil {
		return false
	}

	s := (*streamingPayload)(p)
	below := rng.GenProb(s.target)

	if value < s.estimate {
		if !below {
			s.estimate -= s.step
		}
	} else if below {
		s.estimate += s.step
	}

	return true
}

// StreamingRead returns the current estimate. The epoch is irrelevant but
// kept for uniformity with the other read paths.
func (l *Lens) StreamingRead(_ uint64) (float64, error) {
	p := payloadPtr(l.l, TypeStreaming)
	if p == nil {
		return 0, errors.Wrapf(ErrWrongType, "lens '%s' is %s", l.Name(), l.Type())
	}

	return (*streamingPayload)(p).estimate, nil
}
