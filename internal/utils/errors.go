package utils

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies failures so callers can tell "analysis unavailable" apart from faults.
type Kind string

const (
	KindSchema                Kind = "schema"
	KindCapabilityUnavailable Kind = "capability_unavailable"
	KindData                  Kind = "data"
	KindValidation            Kind = "validation"
	KindNotFound              Kind = "not_found"
	KindInternal              Kind = "internal"
)

// AppError wraps an operation, kind, human-facing message, and underlying error.
type AppError struct {
	Kind   Kind
	Op     string
	Msg    string
	Fields []string
	Err    error
}

func (e *AppError) Error() string {
	msg := e.Msg
	if len(e.Fields) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(e.Fields, ", "))
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(kind Kind, op, msg string, err error) error {
	return &AppError{Kind: kind, Op: op, Msg: msg, Err: err}
}

// SchemaError reports a dataset with no usable columns.
func SchemaError(op, msg string) error {
	return &AppError{Kind: KindSchema, Op: op, Msg: msg}
}

// CapabilityUnavailable reports that a requested analysis was not admitted.
func CapabilityUnavailable(op, capability, reason string) error {
	return &AppError{Kind: KindCapabilityUnavailable, Op: op, Msg: fmt.Sprintf("%s unavailable: %s", capability, reason)}
}

// DataError reports insufficient data quality or diversity to fit a model.
func DataError(op, msg string) error {
	return &AppError{Kind: KindData, Op: op, Msg: msg}
}

// ValidationError rejects caller input and names the offending fields (sorted, unique).
func ValidationError(op, msg string, fields ...string) error {
	uniq := make(map[string]struct{}, len(fields))
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := uniq[f]; ok {
			continue
		}
		uniq[f] = struct{}{}
		names = append(names, f)
	}
	sort.Strings(names)
	return &AppError{Kind: KindValidation, Op: op, Msg: msg, Fields: names}
}

// NotFound reports a missing session, record or artifact.
func NotFound(op, msg string) error {
	return &AppError{Kind: KindNotFound, Op: op, Msg: msg}
}

// KindOf returns the kind of the first AppError in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// FieldsOf returns the offending fields carried by a validation error.
func FieldsOf(err error) []string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return append([]string(nil), appErr.Fields...)
	}
	return nil
}

// Reason renders err as a user-facing reason. Internal faults are not exposed verbatim.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Kind != KindInternal {
		if len(appErr.Fields) > 0 {
			return fmt.Sprintf("%s: %s", appErr.Msg, strings.Join(appErr.Fields, ", "))
		}
		return appErr.Msg
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "analysis cancelled before completion"
	}
	return "analysis failed unexpectedly"
}
