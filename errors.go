package optics

import (
	"github.com/pkg/errors"

	"github.com/grafana/optics/region"
)

var (
	// ErrNameTooLong is returned when a name exceeds NameMax bytes,
	// terminator included.
	ErrNameTooLong = errors.New("name too long")

	// ErrInvalidArgument is returned on caller contract violations.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrOutOfRegion is returned when an offset resolves outside the
	// active mapping.
	ErrOutOfRegion = region.ErrOutOfRegion

	// ErrCorruption is returned when a structural invariant does not
	// hold; the current operation aborts.
	ErrCorruption = errors.New("corruption")

	// ErrBusy is returned when a distribution slot is locked at poll
	// time; the poller skips the lens for the round.
	ErrBusy = errors.New("busy")

	// ErrWrongType is returned when a typed operation hits a lens of a
	// different type.
	ErrWrongType = errors.New("wrong lens type")

	// ErrAllocExhausted is returned when the region could not grow.
	ErrAllocExhausted = region.ErrAllocExhausted

	// ErrDuplicateKey is returned when a lens name already exists in the
	// region.
	ErrDuplicateKey = errors.New("lens already exists")
)

// IsBusy reports whether err means a lens slot was locked at poll time.
func IsBusy(err error) bool { return errors.Is(err, ErrBusy) }
