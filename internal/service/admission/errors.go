package admission

import (
	"errors"

	"github.com/google/uuid"
)

type Kind string

const (
	KindInvalidInput     Kind = "invalid_input"
	KindConflict         Kind = "conflict"
	KindNotFound         Kind = "not_found"
	KindStoreUnavailable Kind = "store_unavailable"
)

// AdmissionError is the only error type returned by the Engine.
type AdmissionError struct {
	Kind   Kind
	Reason string
	// ConflictingID is set for conflicts when the winning appointment is known.
	ConflictingID uuid.UUID
	Err           error
}

func (e *AdmissionError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *AdmissionError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of an *AdmissionError anywhere in err's chain.
func KindOf(err error) (Kind, bool) {
	var aErr *AdmissionError
	if errors.As(err, &aErr) {
		return aErr.Kind, true
	}
	return "", false
}

func invalidInput(reason string) error {
	return &AdmissionError{Kind: KindInvalidInput, Reason: reason}
}

func conflict(reason string, existing uuid.UUID) error {
	return &AdmissionError{Kind: KindConflict, Reason: reason, ConflictingID: existing}
}

func notFound(reason string) error {
	return &AdmissionError{Kind: KindNotFound, Reason: reason}
}

func storeUnavailable(reason string, err error) error {
	return &AdmissionError{Kind: KindStoreUnavailable, Reason: reason, Err: err}
}
