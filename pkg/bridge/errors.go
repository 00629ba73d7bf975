// Copyright 2024-2026 Aiku AI

package bridge

import (
	"errors"
	"fmt"
)

// NormalizationError reports why a raw update could not become a BridgeEvent.
type NormalizationError struct {
	// Unsupported is true for updates the bridge recognizes but does not
	// handle. False means the payload itself was structurally invalid.
	Unsupported bool
	Detail      string
	Err         error
}

func (e *NormalizationError) Error() string {
	kind := "malformed"
	if e.Unsupported {
		kind = "unsupported"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s update: %s: %v", kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s update: %s", kind, e.Detail)
}

func (e *NormalizationError) Unwrap() error {
	return e.Err
}

func unsupportedUpdate(detail string) error {
	return &NormalizationError{Unsupported: true, Detail: detail}
}

func malformedUpdate(detail string, err error) error {
	return &NormalizationError{Detail: detail, Err: err}
}

// MappingError reports why an event could not become a PublishableDocument.
type MappingError struct {
	// Partial marks failures worth retrying later, such as media that could
	// not be fetched right now. Non-partial mapping failures are final for
	// this event.
	Partial bool
	Detail  string
	Err     error
}

func (e *MappingError) Error() string {
	kind := "invalid mapping"
	if e.Partial {
		kind = "partial mapping"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", kind, e.Detail)
}

func (e *MappingError) Unwrap() error {
	return e.Err
}

func partialMapping(detail string, err error) error {
	return &MappingError{Partial: true, Detail: detail, Err: err}
}

func invalidMapping(detail string) error {
	return &MappingError{Detail: detail}
}

// DeliveryClass buckets publish failures by what the orchestrator should do
// about them.
type DeliveryClass string

const (
	// DeliveryTransient failures may succeed on a later attempt.
	DeliveryTransient DeliveryClass = "transient"
	// DeliveryPermanent failures were definitively rejected by the target.
	DeliveryPermanent DeliveryClass = "permanent"
	// DeliveryExhausted means the attempt budget ran out on transient
	// failures.
	DeliveryExhausted DeliveryClass = "exhausted"
)

// DeliveryError is the terminal error of a delivery attempt loop.
type DeliveryError struct {
	Class    DeliveryClass
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery %s after %d attempt(s): %v", e.Class, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// AsNormalizationError unwraps err into a NormalizationError if there is one.
func AsNormalizationError(err error) (*NormalizationError, bool) {
	var ne *NormalizationError
	ok := errors.As(err, &ne)
	return ne, ok
}

// AsMappingError unwraps err into a MappingError if there is one.
func AsMappingError(err error) (*MappingError, bool) {
	var me *MappingError
	ok := errors.As(err, &me)
	return me, ok
}
