// Package dialog holds the Dialogue record: a peer leg of a confirmed
// SIP call, and the invariants the Dialogue Manager maintains over it.
package dialog

// UserField is a display-name + URI pair, used for To/From rewriting.
type UserField struct {
	DisplayName string
	URI         string
}

// Dialogue is a peer leg of a confirmed SIP call. Its fields are
// mutated only by the Dialogue Manager; the store's UpdateProperty is
// the only sanctioned path for partial mutation, notably CSeq, which
// must never be read, incremented, and written back outside the
// store's lock.
type Dialogue struct {
	ID        string // opaque unique handle
	CallID    string
	LocalTag  string
	RemoteTag string

	// CSeq is the monotonically increasing sequence number for
	// locally-generated in-dialogue requests.
	CSeq uint32

	// RouteSet is the ordered list of pre-loaded Route URIs.
	RouteSet []string

	// RemoteTarget is the far contact URI.
	RemoteTarget string

	LocalUserField  UserField
	RemoteUserField UserField

	// Owner is the local account this dialogue belongs to.
	Owner string

	// BridgeID is empty iff this dialogue is unbridged.
	BridgeID string

	// CDRID is an opaque handle into the CDR store; may be empty.
	CDRID string

	// RemoteSDP is the last SDP body offered by the far end.
	RemoteSDP []byte

	// ProxySendFrom is an optional source-routing hint propagated on
	// forwarded requests.
	ProxySendFrom string

	// UserAgent is stamped on requests forwarded to this dialogue and
	// on responses relayed back on it; the BYE, re-INVITE and NOTIFY
	// requests built for it carry no User-Agent.
	UserAgent string
}

// IDOf satisfies store.Store's idOf contract.
func IDOf(d *Dialogue) string { return d.ID }

// Bridged reports whether the dialogue currently has a non-empty
// bridge id.
func (d *Dialogue) Bridged() bool {
	return d.BridgeID != ""
}

// Clone returns a copy with its own RouteSet and RemoteSDP slices,
// used by the store's copy-on-write
// update path so concurrent readers never observe a partially
// mutated Dialogue.
func (d *Dialogue) Clone() *Dialogue {
	cp := *d
	cp.RouteSet = append([]string(nil), d.RouteSet...)
	cp.RemoteSDP = append([]byte(nil), d.RemoteSDP...)
	return &cp
}
