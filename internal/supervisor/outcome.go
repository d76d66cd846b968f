package supervisor

import (
	"errors"
	"fmt"
)

// Outcome classifies how a job attempt, or a whole supervised run, ended.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransient
	OutcomeFatal
	OutcomeStopped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	case OutcomeFatal:
		return "fatal"
	case OutcomeStopped:
		return "stopped"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ClassifiedError carries an explicit outcome class for an attempt error.
type ClassifiedError struct {
	Class Outcome
	Err   error
}

func (e *ClassifiedError) Error() string {
	return e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Fatal marks err as non-recoverable: the supervisor will not restart the job.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: OutcomeFatal, Err: err}
}

// Transient marks err as recoverable regardless of any fatal rule.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: OutcomeTransient, Err: err}
}

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool {
	var ce *ClassifiedError
	return errors.As(err, &ce) && ce.Class == OutcomeFatal
}

// PanicError is the error recorded when an attempt panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("attempt panicked: %v", e.Value)
}

// FatalRule reclassifies an otherwise transient attempt error as fatal.
type FatalRule func(err error) bool

func classify(err error, rules []FatalRule) Outcome {
	if err == nil {
		return OutcomeSuccess
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	for _, rule := range rules {
		if rule(err) {
			return OutcomeFatal
		}
	}
	return OutcomeTransient
}

// Result is the terminal report of a supervised run.
type Result struct {
	Job      string
	Outcome  Outcome
	Err      error
	Attempts int
}
