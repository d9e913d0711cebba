// Package dialogindex implements the hierarchy of dialogue lookups: a
// strict (Call-ID, local tag, remote tag) match with three relaxed
// fallbacks, a Replaces-header resolver, an owner-scoped heuristic
// lookup, and the bridge-peer lookup the Dialogue Manager uses for
// every bridged operation.
package dialogindex

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/coredial/b2bua/pkg/dialog"
	"github.com/coredial/b2bua/pkg/dialogstore"
)

// Index wraps a dialogstore.Store with the lookup policy below. It
// holds no state of its own; it is safe to construct freely.
type Index struct {
	store dialogstore.Store
}

// New wraps a Dialogue store with the index's lookup policy.
func New(s dialogstore.Store) *Index {
	return &Index{store: s}
}

// GetByTriple performs the strict match, falling back in order to
// local-tag-only, remote-tag-only, and (iff globally unique)
// call-id-only.
func (ix *Index) GetByTriple(callID, localTag, remoteTag string) (*dialog.Dialogue, bool) {
	if d, ok := ix.store.Get(dialogstore.ByTriple(callID, localTag, remoteTag)); ok {
		return d, true
	}
	if d, ok := ix.store.Get(dialogstore.ByLocalTag(localTag)); ok {
		return d, true
	}
	if d, ok := ix.store.Get(dialogstore.ByRemoteTag(remoteTag)); ok {
		return d, true
	}
	// Call-ID fallback: abandoned if the Call-ID is not globally
	// unique at this instant. Ambiguity always resolves to not-found
	// rather than picking an arbitrary match.
	if ix.store.Count(dialogstore.ByCallID(callID)) != 1 {
		return nil, false
	}
	return ix.store.Get(dialogstore.ByCallID(callID))
}

// ErrParseFault marks a Replaces header that failed to parse.
type ErrParseFault struct {
	Value string
	Msg   string
}

func (e *ErrParseFault) Error() string {
	return fmt.Sprintf("replaces parse fault %q: %s", e.Value, e.Msg)
}

// GetByReplaces parses a Replaces parameter of the shape
// "<callid>;to-tag=<tag>;from-tag=<tag>" (URI-unescaped first), then
// delegates to GetByTriple. Replaces always names the dialogue from
// the perspective of the party that issued the original INVITE, so
// its to-tag is that side's local tag and its from-tag is the remote
// tag.
func (ix *Index) GetByReplaces(replacesValue string) (*dialog.Dialogue, error) {
	unescaped, err := url.QueryUnescape(replacesValue)
	if err != nil {
		return nil, &ErrParseFault{Value: replacesValue, Msg: err.Error()}
	}

	parts := strings.Split(unescaped, ";")
	if len(parts) == 0 || parts[0] == "" {
		return nil, &ErrParseFault{Value: replacesValue, Msg: "missing call-id"}
	}

	callID := parts[0]
	var toTag, fromTag string
	for _, p := range parts[1:] {
		kv := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "to-tag":
			toTag = kv[1]
		case "from-tag":
			fromTag = kv[1]
		}
	}
	if toTag == "" || fromTag == "" {
		return nil, &ErrParseFault{Value: replacesValue, Msg: "missing to-tag or from-tag"}
	}

	d, ok := ix.GetByTriple(callID, toTag, fromTag)
	if !ok {
		return nil, nil //nolint:nilnil // not-found is a valid, non-error outcome here.
	}
	return d, nil
}

// GetRelaxed applies an owner-scoped heuristic: first treat
// identifier as a Call-ID (strict, any tags), then on miss scan the
// owner's dialogues for the sole one whose local user field contains
// identifier. Ambiguity returns none, never a pick.
func (ix *Index) GetRelaxed(owner, identifier string) (*dialog.Dialogue, bool) {
	if ix.store.Count(dialogstore.ByCallID(identifier)) == 1 {
		if d, ok := ix.store.Get(dialogstore.ByCallID(identifier)); ok {
			return d, true
		}
	}

	pred := func(d *dialog.Dialogue) bool {
		return d.Owner == owner && strings.Contains(d.LocalUserField.URI, identifier)
	}
	return ix.store.Get(pred)
}

// GetOpposite returns the other dialogue sharing bridge_id, or none
// if d is unbridged or has no peer on record.
func (ix *Index) GetOpposite(d *dialog.Dialogue) (*dialog.Dialogue, bool) {
	if !d.Bridged() {
		return nil, false
	}
	pred := func(cand *dialog.Dialogue) bool {
		return cand.BridgeID == d.BridgeID && cand.ID != d.ID
	}
	return ix.store.Get(pred)
}
