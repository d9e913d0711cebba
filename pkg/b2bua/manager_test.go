package b2bua

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/coredial/b2bua/pkg/cdr"
	"github.com/coredial/b2bua/pkg/dialog"
	"github.com/coredial/b2bua/pkg/dialogstore"
	"github.com/coredial/b2bua/pkg/siptransport"
	"github.com/emiago/sipgo/sip"
)

// fakeClientTxn is an in-memory ClientTransaction: tests push
// responses onto it directly rather than going over a socket.
type fakeClientTxn struct {
	id    string
	req   *sip.Request
	resps chan *sip.Response
	done  chan struct{}
}

func newFakeClientTxn(id string, req *sip.Request) *fakeClientTxn {
	return &fakeClientTxn{id: id, req: req, resps: make(chan *sip.Response, 4), done: make(chan struct{})}
}

func (f *fakeClientTxn) ID() string                      { return f.id }
func (f *fakeClientTxn) Request() *sip.Request           { return f.req }
func (f *fakeClientTxn) Responses() <-chan *sip.Response { return f.resps }
func (f *fakeClientTxn) Done() <-chan struct{}           { return f.done }
func (f *fakeClientTxn) Terminate() {
	select {
	case <-f.done:
	default:
		close(f.done)
	}
}

// finish delivers resp (if non-nil) then closes the transaction, as a
// real transaction does once its final response is relayed.
func (f *fakeClientTxn) finish(resp *sip.Response) {
	if resp != nil {
		f.resps <- resp
	}
	close(f.resps)
	f.Terminate()
}

// fakeTransport is a collaborator stand-in recording every dispatched
// request so tests can assert on what the Manager sent.
type fakeTransport struct {
	endpoint string

	mu     sync.Mutex
	sent   []*sip.Request
	txns   map[string]siptransport.Transaction
	nextID int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{endpoint: "127.0.0.1:5060", txns: make(map[string]siptransport.Transaction)}
}

// newTxn is safe for concurrent use: attended transfer dispatches its
// pair of re-INVITEs from two goroutines at once.
func (t *fakeTransport) newTxn(req *sip.Request) *fakeClientTxn {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := "txn-" + string(rune('a'+t.nextID))
	txn := newFakeClientTxn(id, req)
	t.txns[id] = txn
	t.sent = append(t.sent, req)
	return txn
}

func (t *fakeTransport) CreateUACTransaction(ctx context.Context, req *sip.Request) (siptransport.ClientTransaction, error) {
	return t.newTxn(req), nil
}

func (t *fakeTransport) CreateNonInviteTransaction(ctx context.Context, req *sip.Request) (siptransport.ClientTransaction, error) {
	return t.newTxn(req), nil
}

func (t *fakeTransport) GetTransaction(id string) (siptransport.Transaction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	txn, ok := t.txns[id]
	return txn, ok
}

func (t *fakeTransport) GetRequestEndpoint(req *sip.Request, outboundProxy string, wildcardOK bool) (string, error) {
	return t.endpoint, nil
}

func (t *fakeTransport) GetDefaultEndpoint(protocol string) (string, error) {
	return t.endpoint, nil
}

// fakeInboundTxn is an InboundTransaction stand-in for an inbound
// in-dialogue request under test.
type fakeInboundTxn struct {
	id        string
	req       *sip.Request
	responses []*sip.Response
	onRemoved []func()
}

func newFakeInboundTxn(id string, req *sip.Request) *fakeInboundTxn {
	return &fakeInboundTxn{id: id, req: req}
}

func (f *fakeInboundTxn) ID() string            { return f.id }
func (f *fakeInboundTxn) Request() *sip.Request { return f.req }
func (f *fakeInboundTxn) Respond(resp *sip.Response) error {
	f.responses = append(f.responses, resp)
	return nil
}
func (f *fakeInboundTxn) OnRemoved(fn func()) { f.onRemoved = append(f.onRemoved, fn) }

func newTestDialogue(id, callID, localTag, remoteTag, remoteTarget string) *dialog.Dialogue {
	return &dialog.Dialogue{
		ID:           id,
		CallID:       callID,
		LocalTag:     localTag,
		RemoteTag:    remoteTag,
		RemoteTarget: remoteTarget,
		LocalUserField: dialog.UserField{
			URI: "sip:local@example.com",
		},
		RemoteUserField: dialog.UserField{
			URI: "sip:remote@example.com",
		},
	}
}

func newTestManager(t *testing.T) (*Manager, dialogstore.Store, cdr.Store, *fakeTransport) {
	t.Helper()
	store := dialogstore.New()
	cdrs := cdr.New()
	transport := newFakeTransport()
	m := New(store, transport, cdrs, nil, nil, nil, Config{RemoteHangupCause: "Other leg disconnected"})
	return m, store, cdrs, transport
}

func TestCreateBridge(t *testing.T) {
	m, store, _, _ := newTestManager(t)

	a := newTestDialogue("a", "c1", "la", "ra", "sip:a@host")
	b := newTestDialogue("b", "c2", "lb", "rb", "sip:b@host")
	store.Add(a)
	store.Add(b)

	if err := m.CreateBridge(a, b, "alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.BridgeID == "" || a.BridgeID != b.BridgeID {
		t.Fatalf("expected matching bridge ids, got %q %q", a.BridgeID, b.BridgeID)
	}

	if err := m.CreateBridge(a, b, "alice"); err != ErrAlreadyBridged {
		t.Fatalf("expected ErrAlreadyBridged, got %v", err)
	}
}

func TestCallHungup_PropagatesAndDeletes(t *testing.T) {
	m, store, cdrs, transport := newTestManager(t)

	a := newTestDialogue("a", "c1", "la", "ra", "sip:a@host")
	b := newTestDialogue("b", "c2", "lb", "rb", "sip:b@host")
	a.CDRID = "cdr-a"
	b.CDRID = "cdr-b"
	cdrs.Add(&cdr.CDR{ID: "cdr-a"})
	cdrs.Add(&cdr.CDR{ID: "cdr-b"})

	if err := m.CreateBridge(a, b, "alice"); err != nil {
		t.Fatalf("bridge setup failed: %v", err)
	}

	m.CallHungup(a, "Caller hangup")

	if _, ok := store.Get(dialogstore.ByCallID("c1")); ok {
		t.Fatal("expected local dialogue deleted")
	}
	if _, ok := store.Get(dialogstore.ByCallID("c2")); ok {
		t.Fatal("expected peer dialogue deleted")
	}

	localCDR, _ := cdrs.Get("cdr-a")
	if localCDR.Cause != "Caller hangup" {
		t.Fatalf("expected local CDR cause %q, got %q", "Caller hangup", localCDR.Cause)
	}
	peerCDR, _ := cdrs.Get("cdr-b")
	if peerCDR.Cause != "Other leg disconnected" {
		t.Fatalf("expected peer CDR cause %q, got %q", "Other leg disconnected", peerCDR.Cause)
	}

	if len(transport.sent) != 1 || transport.sent[0].Method != sip.BYE {
		t.Fatalf("expected a single BYE dispatched to the peer, got %v", transport.sent)
	}
}

func TestCallHungup_UnbridgedIsNoop(t *testing.T) {
	m, store, _, transport := newTestManager(t)
	a := newTestDialogue("a", "c1", "la", "ra", "sip:a@host")
	store.Add(a)

	m.CallHungup(a, "whatever")

	if _, ok := store.Get(dialogstore.ByCallID("c1")); !ok {
		t.Fatal("expected unbridged dialogue to survive untouched")
	}
	if len(transport.sent) != 0 {
		t.Fatalf("expected no BYE sent, got %v", transport.sent)
	}
}

func TestForwardInDialogue_BumpsPeerCSeqAndDispatches(t *testing.T) {
	m, store, _, transport := newTestManager(t)

	a := newTestDialogue("a", "c1", "la", "ra", "sip:a@host:5060")
	b := newTestDialogue("b", "c2", "lb", "rb", "sip:b@host:5060")
	b.CSeq = 5
	store.Add(a)
	store.Add(b)
	if err := m.CreateBridge(a, b, "alice"); err != nil {
		t.Fatalf("bridge setup failed: %v", err)
	}

	var recipient sip.Uri
	_ = sip.ParseUri("sip:a@host:5060", &recipient)
	req := sip.NewRequest(sip.INFO, recipient)
	req.AppendHeader(&sip.CSeq{SeqNo: 42, MethodName: sip.INFO})
	inbound := newFakeInboundTxn("in-1", req)

	if err := m.ForwardInDialogue(a, inbound, "127.0.0.1:5060", "203.0.113.9:5060"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(transport.sent) != 1 {
		t.Fatalf("expected one forwarded request, got %d", len(transport.sent))
	}
	fwd := transport.sent[0]
	cs := fwd.CSeq()
	if cs == nil || cs.SeqNo != 6 {
		t.Fatalf("expected forwarded CSeq 6 (bumped from 5), got %v", cs)
	}

	updatedB, _ := store.Get(dialogstore.ByCallID("c2"))
	if updatedB.CSeq != 6 {
		t.Fatalf("expected peer dialogue CSeq persisted as 6, got %d", updatedB.CSeq)
	}

	updatedA, _ := store.Get(dialogstore.ByCallID("c1"))
	if updatedA.CSeq != 42 {
		t.Fatalf("expected local dialogue CSeq tracked from the original request, got %d", updatedA.CSeq)
	}
}

func TestForwardInDialogue_ManglesSDPWithoutPort(t *testing.T) {
	m, store, _, transport := newTestManager(t)

	a := newTestDialogue("a", "c1", "la", "ra", "sip:a@host:5060")
	b := newTestDialogue("b", "c2", "lb", "rb", "sip:b@host:5060")
	store.Add(a)
	store.Add(b)
	if err := m.CreateBridge(a, b, "alice"); err != nil {
		t.Fatalf("bridge setup failed: %v", err)
	}

	var recipient sip.Uri
	_ = sip.ParseUri("sip:a@host:5060", &recipient)
	req := sip.NewRequest(sip.INVITE, recipient)
	req.AppendHeader(&sip.CSeq{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody([]byte(
		"v=0\r\n" +
			"o=- 1 1 IN IP4 192.168.1.5\r\n" +
			"s=-\r\n" +
			"c=IN IP4 192.168.1.5\r\n" +
			"t=0 0\r\n" +
			"m=audio 40000 RTP/AVP 0\r\n",
	))
	inbound := newFakeInboundTxn("in-1", req)

	// remoteEP carries a port, as Request.Source() always does; Mangle
	// must see the bare host, not "203.0.113.9:6060".
	if err := m.ForwardInDialogue(a, inbound, "127.0.0.1:5060", "203.0.113.9:6060"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(transport.sent) != 1 {
		t.Fatalf("expected one forwarded request, got %d", len(transport.sent))
	}
	body := string(transport.sent[0].Body())
	if !strings.Contains(body, "c=IN IP4 203.0.113.9\r\n") {
		t.Fatalf("expected a port-free mangled connection line, got body:\n%s", body)
	}
	if strings.Contains(body, "203.0.113.9:6060") {
		t.Fatalf("expected the port stripped before mangling, got body:\n%s", body)
	}
}

func TestHandleRefer_BlindTransferForwardsAcrossBridge(t *testing.T) {
	m, store, _, transport := newTestManager(t)

	a := newTestDialogue("a", "c1", "la", "ra", "sip:a@host:5060")
	b := newTestDialogue("b", "c2", "lb", "rb", "sip:b@host:5060")
	store.Add(a)
	store.Add(b)
	if err := m.CreateBridge(a, b, "alice"); err != nil {
		t.Fatalf("bridge setup failed: %v", err)
	}

	var recipient sip.Uri
	_ = sip.ParseUri("sip:a@host:5060", &recipient)
	req := sip.NewRequest(sip.REFER, recipient)
	req.AppendHeader(&sip.CSeq{SeqNo: 1, MethodName: sip.REFER})
	inbound := newFakeInboundTxn("in-1", req)

	err := m.HandleRefer(a, inbound, "sip:bob@elsewhere.com", "", "127.0.0.1:5060", "203.0.113.9:5060")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(transport.sent) != 1 || transport.sent[0].Method != sip.REFER {
		t.Fatalf("expected the REFER forwarded across the bridge, got %v", transport.sent)
	}
}

func TestHandleRefer_EmptyReferToIsRejected(t *testing.T) {
	m, store, _, _ := newTestManager(t)
	a := newTestDialogue("a", "c1", "la", "ra", "sip:a@host:5060")
	store.Add(a)

	var recipient sip.Uri
	_ = sip.ParseUri("sip:a@host:5060", &recipient)
	req := sip.NewRequest(sip.REFER, recipient)
	inbound := newFakeInboundTxn("in-1", req)

	err := m.HandleRefer(a, inbound, "", "", "127.0.0.1:5060", "203.0.113.9:5060")
	var parseErr *ReferParseError
	if err == nil {
		t.Fatal("expected a parse error for an empty Refer-To")
	}
	if _, ok := err.(*ReferParseError); !ok {
		t.Fatalf("expected *ReferParseError, got %T (%v)", err, parseErr)
	}
	if len(inbound.responses) != 1 || inbound.responses[0].StatusCode != 400 {
		t.Fatalf("expected a 400 response, got %v", inbound.responses)
	}
}

func TestHandleRefer_AttendedTransferReassignsBridgeAndNotifies(t *testing.T) {
	m, store, _, transport := newTestManager(t)

	d := newTestDialogue("d", "c-d", "l-d", "r-d", "sip:d@host:5060")
	rem2 := newTestDialogue("rem2", "c-rem2", "l-rem2", "r-rem2", "sip:rem2@host:5060")
	r := newTestDialogue("r", "c-r", "l-r", "r-r", "sip:r@host:5060")
	rem := newTestDialogue("rem", "c-rem", "l-rem", "r-rem", "sip:rem@host:5060")
	rem.RemoteSDP = []byte("v=0\r\no=- 1 1 IN IP4 198.51.100.1\r\n")
	rem2.RemoteSDP = []byte("v=0\r\no=- 2 2 IN IP4 198.51.100.2\r\n")

	store.Add(d)
	store.Add(rem2)
	store.Add(r)
	store.Add(rem)

	if err := m.CreateBridge(d, rem2, "alice"); err != nil {
		t.Fatalf("bridge setup (d, rem2) failed: %v", err)
	}
	if err := m.CreateBridge(r, rem, "alice"); err != nil {
		t.Fatalf("bridge setup (r, rem) failed: %v", err)
	}

	var recipient sip.Uri
	_ = sip.ParseUri("sip:d@host:5060", &recipient)
	req := sip.NewRequest(sip.REFER, recipient)
	req.AppendHeader(&sip.CSeq{SeqNo: 1, MethodName: sip.REFER})
	inbound := newFakeInboundTxn("in-1", req)

	// Replaces names r from the perspective of the party that issued
	// r's original INVITE: to-tag is r's local tag, from-tag its
	// remote tag, matching GetByReplaces' expectations.
	replaces := "c-r;to-tag=l-r;from-tag=r-r"

	err := m.HandleRefer(d, inbound, "sip:transferred-to@elsewhere.com", replaces, "127.0.0.1:5060", "203.0.113.9:5060")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(inbound.responses) != 1 || inbound.responses[0].StatusCode != 202 {
		t.Fatalf("expected a 202 Accepted on the REFER, got %v", inbound.responses)
	}

	updatedRem, _ := store.Get(dialogstore.ByCallID("c-rem"))
	updatedRem2, _ := store.Get(dialogstore.ByCallID("c-rem2"))
	if updatedRem.BridgeID == "" || updatedRem.BridgeID != updatedRem2.BridgeID {
		t.Fatalf("expected rem and rem2 to share a fresh bridge id, got %q %q", updatedRem.BridgeID, updatedRem2.BridgeID)
	}
	if updatedRem.BridgeID == rem.BridgeID {
		t.Fatalf("expected a newly minted bridge id, not the original")
	}

	var reinvites, notifies int
	for _, sent := range transport.sent {
		switch sent.Method {
		case sip.INVITE:
			reinvites++
		case sip.NOTIFY:
			notifies++
		}
	}
	if reinvites != 2 {
		t.Fatalf("expected two parallel re-INVITEs dispatched, got %d", reinvites)
	}
	if notifies != 2 {
		t.Fatalf("expected a trying and an accepted NOTIFY dispatched, got %d", notifies)
	}
}

func TestBlindTransfer_ReplacesDeadLeg(t *testing.T) {
	m, store, _, transport := newTestManager(t)

	dead := newTestDialogue("dead", "c-dead", "l-dead", "r-dead", "sip:dead@host:5060")
	orphan := newTestDialogue("orphan", "c-orphan", "l-orphan", "r-orphan", "sip:orphan@host:5060")
	answered := newTestDialogue("answered", "c-ans", "l-ans", "r-ans", "sip:ans@host:5060")
	answered.RemoteSDP = []byte("v=0\r\n")

	store.Add(dead)
	store.Add(orphan)
	if err := m.CreateBridge(dead, orphan, "alice"); err != nil {
		t.Fatalf("bridge setup failed: %v", err)
	}

	if err := m.BlindTransfer(dead, orphan, answered); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if orphan.BridgeID != answered.BridgeID {
		t.Fatalf("expected orphan and answered to share a bridge id, got %q %q", orphan.BridgeID, answered.BridgeID)
	}
	if _, ok := store.Get(dialogstore.ByCallID("c-dead")); ok {
		t.Fatal("expected dead dialogue removed from the store")
	}
	if _, ok := store.Get(dialogstore.ByCallID("c-ans")); !ok {
		t.Fatal("expected answered dialogue added to the store")
	}

	var methods []sip.RequestMethod
	for _, req := range transport.sent {
		methods = append(methods, req.Method)
	}
	foundBye, foundReinvite := false, false
	for _, meth := range methods {
		if meth == sip.BYE {
			foundBye = true
		}
		if meth == sip.INVITE {
			foundReinvite = true
		}
	}
	if !foundBye {
		t.Fatalf("expected a BYE to the dead leg, got %v", methods)
	}
	if !foundReinvite {
		t.Fatalf("expected a re-INVITE to the orphan leg, got %v", methods)
	}
}
