// Package cerr defines the typed error kinds surfaced across the circuit
// engine, per the error handling design: crypto and framing failures never
// leak past the local hop, build/monitor failures propagate as status
// transitions, and every bounded await expires into a Timeout of a named
// scope rather than a silent drop.
package cerr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindSignalingUnavailable Kind = "SignalingUnavailable"
	KindNotConnected         Kind = "NotConnected"
	KindUnwrapFailed         Kind = "UnwrapFailed"
	KindAuthTagInvalid       Kind = "AuthTagInvalid"
	KindHopEstablishFailed   Kind = "HopEstablishFailed"
	KindInsufficientPeers    Kind = "InsufficientPeers"
	KindCircuitNotReady      Kind = "CircuitNotReady"
	KindCircuitClosed        Kind = "CircuitClosed"
	KindTimeout              Kind = "Timeout"
)

// Error is the typed error carried across component boundaries. Scope is
// only meaningful for KindTimeout ("validate", "hop-establish",
// "bandwidth-measure", "signaling-handshake", ...).
type Error struct {
	Kind  Kind
	Scope string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	if e.Kind == KindTimeout && e.Scope != "" {
		if e.Msg != "" {
			return fmt.Sprintf("timeout[%s]: %s", e.Scope, e.Msg)
		}
		return fmt.Sprintf("timeout[%s]", e.Scope)
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func Timeout(scope string, err error) *Error {
	return &Error{Kind: KindTimeout, Scope: scope, Err: err}
}

// Is reports whether err carries the given Kind, matching sentinel-style
// checks used across the package (errors.As under the hood).
func Is(err error, kind Kind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}
