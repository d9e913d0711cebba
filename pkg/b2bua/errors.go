package b2bua

import (
	"errors"
	"fmt"
)

// Sentinel errors, usable with errors.Is.
var (
	// ErrAlreadyBridged is returned by CreateBridge when either
	// dialogue is already part of a bridge.
	ErrAlreadyBridged = errors.New("b2bua: dialogue already bridged")

	// ErrNotBridged is the NotFound-class condition for CallHungup on
	// an unbridged dialogue: warn and no-op.
	ErrNotBridged = errors.New("b2bua: dialogue not bridged")

	// ErrNoEndpoint indicates next-hop resolution failed; forwarding
	// is dropped rather than answered with a 4xx.
	ErrNoEndpoint = errors.New("b2bua: no endpoint resolved for request")

	// ErrOppositeNotFound indicates GetOpposite found no peer.
	ErrOppositeNotFound = errors.New("b2bua: opposite dialogue not found")
)

// ReferParseError marks a Refer-To that failed to parse — answered
// with 400 Bad Request.
type ReferParseError struct {
	Value string
	Cause error
}

func (e *ReferParseError) Error() string {
	return fmt.Sprintf("b2bua: refer-to parse fault %q: %v", e.Value, e.Cause)
}

func (e *ReferParseError) Unwrap() error { return e.Cause }

// InternalFault wraps an unexpected failure while forwarding a request
// or processing a REFER. HandleRefer answers 500 Internal Server Error
// itself before returning one raised by a recovered panic or by a
// failed attended-transfer peer lookup.
type InternalFault struct {
	Stage string
	Cause error
}

func (e *InternalFault) Error() string {
	return fmt.Sprintf("b2bua: internal fault at %s: %v", e.Stage, e.Cause)
}

func (e *InternalFault) Unwrap() error { return e.Cause }
