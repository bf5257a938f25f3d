package models

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the codecs, the affine module and the conversion engine.
var (
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrCorruptTrackFile  = errors.New("corrupt track file")
	ErrGeometry          = errors.New("invalid image geometry")
	ErrNotInvertible     = fmt.Errorf("%w: affine transform is not invertible", ErrGeometry)
	ErrGeometryMismatch  = errors.New("geometry mismatch")
	ErrIO                = errors.New("i/o failure")
)

// TrackError decorates a failure with the operation and file it happened in.
type TrackError struct {
	Op   string
	Path string
	Err  error
}

func (e *TrackError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TrackError) Unwrap() error {
	return e.Err
}

// WrapIO marks err as an underlying read or write failure unless it already
// carries one of the taxonomy sentinels.
func WrapIO(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrUnsupportedFormat, ErrCorruptTrackFile, ErrGeometry, ErrGeometryMismatch, ErrIO} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrIO, err)
}
