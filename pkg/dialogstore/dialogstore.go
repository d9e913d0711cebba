// Package dialogstore is the Dialogue-typed facade over the generic
// Asset Store (pkg/store), giving the Dialogue Index and Dialogue
// Manager the predicate helpers they actually need.
package dialogstore

import (
	"github.com/coredial/b2bua/pkg/dialog"
	"github.com/coredial/b2bua/pkg/store"
)

// Store is the collaborator interface pkg/b2bua and pkg/dialogindex
// depend on, so neither ever binds to a concrete storage engine.
type Store interface {
	Add(d *dialog.Dialogue)
	Update(d *dialog.Dialogue)
	UpdateProperty(id string, fn func(*dialog.Dialogue) *dialog.Dialogue) bool
	Delete(id string)
	Get(pred store.Predicate[*dialog.Dialogue]) (*dialog.Dialogue, bool)
	List(pred store.Predicate[*dialog.Dialogue], limit int) []*dialog.Dialogue
	Count(pred store.Predicate[*dialog.Dialogue]) int
}

// memStore is the in-memory implementation, backed by the generic
// store.Store. It is the only implementation this module ships; a
// durable implementation is a collaborator concern.
type memStore struct {
	*store.Store[*dialog.Dialogue]
}

// New creates an empty in-memory Dialogue store.
func New() Store {
	return &memStore{store.New(dialog.IDOf)}
}

// ByTriple builds the strict-match predicate for (call_id, local_tag,
// remote_tag), the first and most selective lookup tier.
func ByTriple(callID, localTag, remoteTag string) store.Predicate[*dialog.Dialogue] {
	return func(d *dialog.Dialogue) bool {
		return d.CallID == callID && d.LocalTag == localTag && d.RemoteTag == remoteTag
	}
}

// ByLocalTag matches on local_tag alone (first relaxed fallback).
func ByLocalTag(localTag string) store.Predicate[*dialog.Dialogue] {
	return func(d *dialog.Dialogue) bool { return d.LocalTag == localTag }
}

// ByRemoteTag matches on remote_tag alone (second relaxed fallback).
func ByRemoteTag(remoteTag string) store.Predicate[*dialog.Dialogue] {
	return func(d *dialog.Dialogue) bool { return d.RemoteTag == remoteTag }
}

// ByCallID matches on call_id alone (third relaxed fallback, only
// valid when globally unique — enforced by the caller via Count).
func ByCallID(callID string) store.Predicate[*dialog.Dialogue] {
	return func(d *dialog.Dialogue) bool { return d.CallID == callID }
}

// ByBridgeID matches dialogues carrying the given bridge id. Index.GetOpposite
// does not use it; its own predicate also excludes the dialogue itself.
func ByBridgeID(bridgeID string) store.Predicate[*dialog.Dialogue] {
	return func(d *dialog.Dialogue) bool { return d.BridgeID == bridgeID }
}

// ByOwner matches dialogues owned by a given account. Index.GetRelaxed
// does not use it; its own predicate combines owner and user field.
func ByOwner(owner string) store.Predicate[*dialog.Dialogue] {
	return func(d *dialog.Dialogue) bool { return d.Owner == owner }
}
