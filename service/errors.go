package service

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("invalid request")
	ErrDecode     = errors.New("invalid image")
	ErrLoad       = errors.New("model unavailable")
	ErrInference  = errors.New("inference failed")
)

// Stage names the pipeline step an error came from.
type Stage string

const (
	StageValidation Stage = "validation"
	StageDecode     Stage = "image processing"
	StageLoad       Stage = "model loading"
	StageInference  Stage = "prediction"
)

func (s Stage) sentinel() error {
	switch s {
	case StageValidation:
		return ErrValidation
	case StageDecode:
		return ErrDecode
	case StageLoad:
		return ErrLoad
	case StageInference:
		return ErrInference
	}
	return nil
}

// StageError annotates an error with the pipeline stage that produced it.
// errors.Is reports true for the stage's sentinel.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *StageError) Is(target error) bool {
	return e != nil && target != nil && target == e.Stage.sentinel()
}

// NewStageError wraps err with stage; a nil err stays nil. An err that
// already carries a stage is returned unchanged.
func NewStageError(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}

// StageOf reports the stage carried by err, if any.
func StageOf(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}
