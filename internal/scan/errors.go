package scan

import (
	"errors"
	"fmt"
)

// Stage names a pipeline step. It is recorded on failures and used as a
// metrics label.
type Stage string

const (
	StageLoad       Stage = "load"
	StageNormalize  Stage = "normalize"
	StageDownsample Stage = "downsample"
	StageNormals    Stage = "normals"
	StageLabels     Stage = "labels"
	StageFeatures   Stage = "features"
	StageFilter     Stage = "filter"
	StageSerialize  Stage = "serialize"
)

// Sentinel classes. Every typed error below matches exactly one of these with
// errors.Is.
var (
	ErrLoad          = errors.New("load error")
	ErrNormalization = errors.New("normalization error")
	ErrAlignment     = errors.New("alignment error")
	ErrSerialization = errors.New("serialization error")
)

// LoadError reports an unreadable, empty or corrupt input file.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() []error { return []error{ErrLoad, e.Err} }

// NormalizationError reports degenerate geometry that cannot be scaled.
type NormalizationError struct {
	Reason string
}

func (e *NormalizationError) Error() string {
	return "normalize: " + e.Reason
}

func (e *NormalizationError) Unwrap() error { return ErrNormalization }

// AlignmentError reports a violated grid-stride or index alignment invariant.
type AlignmentError struct {
	Stage  Stage
	Row    int
	Axis   int
	Value  float64
	Stride int
	Reason string
}

func (e *AlignmentError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("alignment (%s): %s", e.Stage, e.Reason)
	}
	return fmt.Sprintf("alignment (%s): row %d axis %d value %g is not a multiple of stride %d",
		e.Stage, e.Row, e.Axis, e.Value, e.Stride)
}

func (e *AlignmentError) Unwrap() error { return ErrAlignment }

// SerializationError reports a failed record write.
type SerializationError struct {
	Path string
	Err  error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialize %s: %v", e.Path, e.Err)
}

func (e *SerializationError) Unwrap() []error { return []error{ErrSerialization, e.Err} }

// StageError tags err with the stage it was raised in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }

// AtStage wraps err with stage unless it is nil or already tagged.
func AtStage(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}

// StageOf returns the stage recorded on err, or "" if none.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	var ae *AlignmentError
	if errors.As(err, &ae) {
		return ae.Stage
	}
	return ""
}

// Class returns a short name for the error taxonomy class of err.
func Class(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrLoad):
		return "load"
	case errors.Is(err, ErrNormalization):
		return "normalization"
	case errors.Is(err, ErrAlignment):
		return "alignment"
	case errors.Is(err, ErrSerialization):
		return "serialization"
	default:
		return "internal"
	}
}
