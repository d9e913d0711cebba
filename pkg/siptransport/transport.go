// Package siptransport defines the collaborator boundary around the
// SIP Transport: parsing/serialization, transaction matching, and
// next-hop resolution all live below this interface and are assumed
// provided. The Dialogue Manager depends only on this interface,
// never on a concrete transaction-layer implementation.
package siptransport

import (
	"context"

	"github.com/emiago/sipgo/sip"
)

// ClientTransaction is the subset of a UAC transaction's lifecycle the
// Dialogue Manager needs: observing responses and transaction removal.
type ClientTransaction interface {
	ID() string
	Request() *sip.Request

	// Responses delivers every informational and final response, in
	// order. The channel closes when the transaction terminates.
	Responses() <-chan *sip.Response

	// Done closes when the transaction is finalized and removed.
	Done() <-chan struct{}

	Terminate()
}

// Transaction is a minimal handle usable for lookups without the full
// ClientTransaction surface (e.g. for in-dialogue map bookkeeping).
type Transaction interface {
	ID() string
}

// Transport is the collaborator interface the Dialogue Manager uses
// to create transactions and resolve next hops.
type Transport interface {
	// CreateUACTransaction dispatches req as a new client transaction
	// and returns immediately; the corresponding response(s) arrive
	// asynchronously via the returned transaction's Responses channel.
	// Every outgoing send is non-blocking from the caller's
	// perspective.
	CreateUACTransaction(ctx context.Context, req *sip.Request) (ClientTransaction, error)

	// CreateNonInviteTransaction is the non-INVITE counterpart (BYE,
	// INFO, REFER, NOTIFY).
	CreateNonInviteTransaction(ctx context.Context, req *sip.Request) (ClientTransaction, error)

	// GetTransaction looks up a previously created transaction by id.
	GetTransaction(id string) (Transaction, bool)

	// GetRequestEndpoint resolves req's next hop. wildcardOK permits
	// falling back to a wildcard/any-interface bind when no specific
	// route can be determined. Next-hop resolution (DNS/SRV, policy)
	// is entirely delegated: if no endpoint resolves, the caller emits
	// a dial-plan error event and drops the request.
	GetRequestEndpoint(req *sip.Request, outboundProxy string, wildcardOK bool) (string, error)

	// GetDefaultEndpoint returns this node's outward-facing endpoint
	// for the given protocol (e.g. "udp"), used to build Contact/Via.
	GetDefaultEndpoint(protocol string) (string, error)
}

// InboundTransaction is the server-side transaction an inbound
// in-dialogue request arrived on — the "txn" argument to
// ForwardInDialogue.
type InboundTransaction interface {
	ID() string
	Request() *sip.Request
	Respond(resp *sip.Response) error

	// OnRemoved installs the transaction-removed callback used to
	// delete the in-dialogue map entry under lock.
	OnRemoved(fn func())
}
