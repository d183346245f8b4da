package relay

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransportSetup means the chain A subscription could not be established. It ends the session.
	ErrTransportSetup = errors.New("transport setup failed")
	// ErrLogRead marks a log record that was skipped because it could not be used at all.
	ErrLogRead = errors.New("unreadable log record")
	// ErrAccountCreation is reported when the destination token account could not be created. Settlement continues.
	ErrAccountCreation = errors.New("destination token account creation failed")
	// ErrIssue means the migrate instruction failed or did not confirm.
	ErrIssue = errors.New("issue failed")
	// ErrFinalize means the burn failed or did not confirm after issuance succeeded.
	ErrFinalize = errors.New("finalize failed")
	// ErrLedger means the settlement ledger could not be read or written.
	ErrLedger = errors.New("ledger unavailable")
)

// Field names a decoded field of a lock event.
type Field string

const (
	FieldAmount      Field = "amount"
	FieldOrigin      Field = "origin"
	FieldDestination Field = "destination"
)

type FieldError struct {
	Field Field
	Err   error
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

// DecodeError lists every field of a log that failed to decode or was empty.
type DecodeError struct {
	Fields []FieldError
}

func (e *DecodeError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Error()
	}
	return "failed to decode lock event: " + strings.Join(parts, "; ")
}

func (e *DecodeError) Unwrap() []error {
	out := make([]error, len(e.Fields))
	for i, f := range e.Fields {
		out[i] = f.Err
	}
	return out
}

// Failed reports whether field is among the failures.
func (e *DecodeError) Failed(field Field) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}
