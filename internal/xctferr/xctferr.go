// Package xctferr defines the typed error kinds used throughout the
// sandbox lifecycle and firewall control plane, grounded on the same
// sentinel-error idiom the store and container packages use.
package xctferr

import (
	"errors"
	"fmt"
)

// Kind identifies the category of a domain error.
type Kind string

const (
	KindSandboxCreateTimeout Kind = "sandbox_create_timeout"
	KindSandboxLockTimeout   Kind = "sandbox_lock_timeout"
	KindVolumeProvisioning   Kind = "volume_provisioning_error"
	KindContainerRuntime     Kind = "container_runtime_error"
	KindFirewallRule         Kind = "firewall_rule_error"
	KindDataStore            Kind = "data_store_error"
	KindNotFound             Kind = "not_found"
	KindValidation           Kind = "validation_error"
)

// Error is a typed domain error carrying a Kind alongside the wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an Error of the given kind wrapping err.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
