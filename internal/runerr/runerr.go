// Package runerr defines the error taxonomy shared by the engine, the
// retry controller, and the store. Every attempt- or step-level failure is
// reduced to a Kind before it is persisted, so post-mortem tooling can
// classify failures without parsing messages.
package runerr

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation Kind = "validation"
	KindPlan       Kind = "plan"
	KindResolve    Kind = "resolve"
	KindPolicy     Kind = "policy"
	KindNetwork    Kind = "network"
	KindTimeout    Kind = "timeout"
	KindHTTPStatus Kind = "http_status"
	KindCriterion  Kind = "criterion"
	KindExpression Kind = "expression"
	KindSecret     Kind = "secret"
	KindStore      Kind = "store"
	KindCanceled   Kind = "canceled"
	KindCrash      Kind = "crash"
)

// Error carries a taxonomy kind alongside a human message. Status is only
// set for KindHTTPStatus.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
	wrapped error
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: err.Error(), wrapped: err}
}

func HTTPStatus(status int) *Error {
	return &Error{Kind: KindHTTPStatus, Message: fmt.Sprintf("http status %d", status), Status: status}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// KindOf extracts the taxonomy kind from err, walking the wrap chain.
// Unclassified errors report the empty Kind.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// Payload renders err as the JSON object persisted in step and attempt rows.
func Payload(err error) json.RawMessage {
	var re *Error
	if !errors.As(err, &re) {
		re = &Error{Kind: KindNetwork, Message: err.Error()}
	}
	b, merr := json.Marshal(re)
	if merr != nil {
		b = []byte(`{"kind":"store","message":"error serialization failed"}`)
	}
	return b
}
