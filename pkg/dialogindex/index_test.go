package dialogindex

import (
	"testing"

	"github.com/coredial/b2bua/pkg/dialog"
	"github.com/coredial/b2bua/pkg/dialogstore"
)

func newDialogue(id, callID, localTag, remoteTag string) *dialog.Dialogue {
	return &dialog.Dialogue{
		ID:        id,
		CallID:    callID,
		LocalTag:  localTag,
		RemoteTag: remoteTag,
	}
}

func TestGetByTriple_RelaxedFallbacks(t *testing.T) {
	s := dialogstore.New()
	ix := New(s)

	x := newDialogue("x", "a", "L", "R")
	s.Add(x)

	if d, ok := ix.GetByTriple("a", "L", "R"); !ok || d.ID != "x" {
		t.Fatalf("strict match failed: %v %v", d, ok)
	}

	// remote tag differs: falls back to local-tag match.
	if d, ok := ix.GetByTriple("a", "L", "R2"); !ok || d.ID != "x" {
		t.Fatalf("local-tag fallback failed: %v %v", d, ok)
	}

	// second dialogue with same Call-ID makes the Call-ID fallback
	// ambiguous; neither tag matches now.
	y := newDialogue("y", "a", "Ly", "Ry")
	s.Add(y)

	if _, ok := ix.GetByTriple("a", "Lx", "Rx"); ok {
		t.Fatalf("expected none when Call-ID fallback is ambiguous")
	}
}

func TestGetByTriple_CallIDFallbackWhenUnique(t *testing.T) {
	s := dialogstore.New()
	ix := New(s)
	s.Add(newDialogue("x", "unique-call", "L", "R"))

	d, ok := ix.GetByTriple("unique-call", "no-match-l", "no-match-r")
	if !ok || d.ID != "x" {
		t.Fatalf("expected Call-ID fallback to find x, got %v %v", d, ok)
	}
}

func TestGetByReplaces_Parses(t *testing.T) {
	s := dialogstore.New()
	ix := New(s)
	s.Add(newDialogue("r", "abc@host", "t", "f"))

	d, err := ix.GetByReplaces("abc%40host;to-tag=t;from-tag=f")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d == nil || d.ID != "r" {
		t.Fatalf("expected to find dialogue r, got %v", d)
	}
}

func TestGetByReplaces_ParseFault(t *testing.T) {
	ix := New(dialogstore.New())
	_, err := ix.GetByReplaces("no-tags-here")
	if err == nil {
		t.Fatal("expected parse fault for missing tags")
	}
}

func TestGetByReplaces_NotFoundIsNilNilNotError(t *testing.T) {
	ix := New(dialogstore.New())
	d, err := ix.GetByReplaces("nope;to-tag=t;from-tag=f")
	if err != nil {
		t.Fatalf("not-found must not be an error, got %v", err)
	}
	if d != nil {
		t.Fatalf("expected nil dialogue, got %v", d)
	}
}

func TestGetOpposite(t *testing.T) {
	s := dialogstore.New()
	ix := New(s)

	a := newDialogue("a", "c1", "la", "ra")
	b := newDialogue("b", "c2", "lb", "rb")
	a.BridgeID = "bridge-1"
	b.BridgeID = "bridge-1"
	s.Add(a)
	s.Add(b)

	opp, ok := ix.GetOpposite(a)
	if !ok || opp.ID != "b" {
		t.Fatalf("expected opposite b, got %v %v", opp, ok)
	}

	unbridged := newDialogue("u", "c3", "lu", "ru")
	if _, ok := ix.GetOpposite(unbridged); ok {
		t.Fatal("expected no opposite for unbridged dialogue")
	}
}

func TestGetRelaxed_AmbiguityReturnsNone(t *testing.T) {
	s := dialogstore.New()
	ix := New(s)

	d1 := newDialogue("d1", "c1", "l1", "r1")
	d1.Owner = "alice"
	d1.LocalUserField.URI = "sip:1001@example.com"
	d2 := newDialogue("d2", "c2", "l2", "r2")
	d2.Owner = "alice"
	d2.LocalUserField.URI = "sip:1001@example2.com"
	s.Add(d1)
	s.Add(d2)

	if _, ok := ix.GetRelaxed("alice", "1001"); ok {
		t.Fatal("expected ambiguous identifier match to return none")
	}
}
