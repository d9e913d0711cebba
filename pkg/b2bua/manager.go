// Package b2bua implements the Dialogue Manager: bridge creation,
// in-dialogue forwarding, REFER/Replaces call transfer, and hangup
// propagation across a bridged pair of dialogues.
package b2bua

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/coredial/b2bua/pkg/cdr"
	"github.com/coredial/b2bua/pkg/dialog"
	"github.com/coredial/b2bua/pkg/dialogindex"
	"github.com/coredial/b2bua/pkg/dialogstore"
	"github.com/coredial/b2bua/pkg/events"
	"github.com/coredial/b2bua/pkg/metrics"
	"github.com/coredial/b2bua/pkg/sdpmangle"
	"github.com/coredial/b2bua/pkg/siptransport"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// Config carries the construction-time knobs the teacher's config
// layer would otherwise thread in as flags.
type Config struct {
	// RemoteHangupCause is stamped on the peer's CDR when the local
	// side hangs up first.
	RemoteHangupCause string

	// UserAgent is not read by the Manager: forwarded requests and
	// relayed responses take their User-Agent from the dialogue's own
	// UserAgent field.
	UserAgent string

	// OutboundProxy is passed through to GetRequestEndpoint.
	OutboundProxy string
}

// Manager is the Dialogue Manager: it owns no long-lived state beyond
// the in-dialogue transaction map, the store and transport being
// shared collaborators.
type Manager struct {
	store     dialogstore.Store
	index     *dialogindex.Index
	cdrs      cdr.Store
	transport siptransport.Transport
	observer  events.Observer
	logger    *slog.Logger
	metrics   *metrics.Metrics
	cfg       Config

	txns *txnMap
}

// New constructs a Dialogue Manager over the given collaborators.
// observer and logger default to no-ops if nil.
func New(store dialogstore.Store, transport siptransport.Transport, cdrs cdr.Store, observer events.Observer, logger *slog.Logger, m *metrics.Metrics, cfg Config) *Manager {
	if observer == nil {
		observer = events.Noop
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     store,
		index:     dialogindex.New(store),
		cdrs:      cdrs,
		transport: transport,
		observer:  observer,
		logger:    logger,
		metrics:   m,
		cfg:       cfg,
		txns:      newTxnMap(),
	}
}

// hostOnly strips the port from a "host:port" endpoint string so it
// can be written into an SDP c= line, which never carries a port.
// addr is returned unchanged if it has no port to strip.
func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func (m *Manager) localContact() sip.Uri {
	ep, err := m.transport.GetDefaultEndpoint("udp")
	if err != nil {
		return sip.Uri{}
	}
	var u sip.Uri
	_ = sip.ParseUri("sip:"+ep, &u)
	return u
}

// CreateBridge assigns a fresh bridge id to both dialogues, persists
// them, and emits DialogueCreated for each. Neither dialogue may
// already be bridged.
func (m *Manager) CreateBridge(a, b *dialog.Dialogue, owner string) error {
	if a.Bridged() || b.Bridged() {
		return ErrAlreadyBridged
	}

	bridgeID := uuid.New().String()
	a.BridgeID = bridgeID
	b.BridgeID = bridgeID
	a.Owner = owner
	b.Owner = owner

	m.store.Update(a)
	m.store.Update(b)

	m.observer.Notify(events.Record{Owner: owner, EventType: events.DialogueCreated, Text: a.ID})
	m.observer.Notify(events.Record{Owner: owner, EventType: events.DialogueCreated, Text: b.ID})

	if m.metrics != nil {
		m.metrics.BridgesActive.Inc()
	}
	m.logger.Info("b2bua: bridge created", "bridge_id", bridgeID, "a", a.ID, "b", b.ID)
	return nil
}

// CallHungup propagates a hangup from d to its bridge peer: updates
// both CDRs, sends BYE to the peer, deletes both dialogue records, and
// emits DialogueRemoved for each. Every step is best-effort and
// individually logged; a failure in one does not prevent the others.
// If d is bridged but its peer is no longer on record, only d's own
// CDR, record and DialogueRemoved event are handled. No-op with a
// warning if d is unbridged.
func (m *Manager) CallHungup(d *dialog.Dialogue, cause string) {
	p, ok := m.index.GetOpposite(d)
	if !ok {
		if !d.Bridged() {
			m.logger.Warn("b2bua: call_hungup on unbridged dialogue", "dialogue_id", d.ID, "cause", cause)
			return
		}
		m.logger.Warn("b2bua: call_hungup: peer dialogue not found", "dialogue_id", d.ID, "bridge_id", d.BridgeID)
		if d.CDRID != "" && !m.cdrs.Hungup(d.CDRID, cause) {
			m.logger.Error("b2bua: failed to mark local CDR hungup", "cdr_id", d.CDRID)
		}
		m.store.Delete(d.ID)
		m.observer.Notify(events.Record{Owner: d.Owner, EventType: events.DialogueRemoved, Text: d.ID})
		if m.metrics != nil {
			m.metrics.HangupsTotal.WithLabelValues(cause).Inc()
		}
		return
	}

	if d.CDRID != "" {
		if !m.cdrs.Hungup(d.CDRID, cause) {
			m.logger.Error("b2bua: failed to mark local CDR hungup", "cdr_id", d.CDRID)
		}
	}
	if p.CDRID != "" {
		if !m.cdrs.Hungup(p.CDRID, m.cfg.RemoteHangupCause) {
			m.logger.Error("b2bua: failed to mark peer CDR hungup", "cdr_id", p.CDRID)
		}
	}

	if err := m.sendBye(p); err != nil {
		m.logger.Error("b2bua: failed to send BYE to peer", "dialogue_id", p.ID, "error", err)
	}

	m.store.Delete(d.ID)
	m.store.Delete(p.ID)

	m.observer.Notify(events.Record{Owner: d.Owner, EventType: events.DialogueRemoved, Text: d.ID})
	m.observer.Notify(events.Record{Owner: p.Owner, EventType: events.DialogueRemoved, Text: p.ID})

	if m.metrics != nil {
		m.metrics.HangupsTotal.WithLabelValues(cause).Inc()
		m.metrics.BridgesActive.Dec()
	}
	m.logger.Info("b2bua: call hungup", "dialogue_id", d.ID, "peer_id", p.ID, "cause", cause)
}

// sendBye sends a BYE to p's remote target with CSeq = ++p.cseq.
func (m *Manager) sendBye(p *dialog.Dialogue) error {
	var nextCSeq uint32
	m.store.UpdateProperty(p.ID, func(cur *dialog.Dialogue) *dialog.Dialogue {
		cp := cur.Clone()
		cp.CSeq++
		nextCSeq = cp.CSeq
		return cp
	})

	req, err := buildBye(p, m.localContact(), nextCSeq)
	if err != nil {
		return err
	}
	_, err = m.transport.CreateNonInviteTransaction(context.Background(), req)
	return err
}

// ForwardInDialogue forwards an in-dialogue request arriving on d's
// transaction to d's bridge peer, rewriting headers and mangling SDP
// as needed.
func (m *Manager) ForwardInDialogue(d *dialog.Dialogue, txn siptransport.InboundTransaction, localEP, remoteEP string) error {
	p, ok := m.index.GetOpposite(d)
	if !ok {
		return ErrOppositeNotFound
	}

	origReq := txn.Request()

	var nextCSeq uint32
	m.store.UpdateProperty(p.ID, func(cur *dialog.Dialogue) *dialog.Dialogue {
		cp := cur.Clone()
		cp.CSeq++
		nextCSeq = cp.CSeq
		return cp
	})

	fwd, err := buildForwardedRequest(origReq, p, m.localContact(), nextCSeq)
	if err != nil {
		return &InternalFault{Stage: "build_forwarded_request", Cause: err}
	}

	if origReq.IsInvite() {
		if body := origReq.Body(); len(body) > 0 {
			srcAddr := remoteEP
			if prf := origReq.GetHeader("Proxy-Received-From"); prf != nil {
				srcAddr = prf.Value()
			}
			newBody, changed := sdpmangle.Mangle(body, hostOnly(srcAddr))
			if changed {
				fwd.SetBody(newBody)
			}
		}
	}

	endpoint, err := m.transport.GetRequestEndpoint(fwd, m.cfg.OutboundProxy, true)
	if err != nil || endpoint == "" {
		m.observer.Notify(events.Record{Owner: d.Owner, EventType: events.DialPlanError, Text: "no endpoint resolved"})
		return ErrNoEndpoint
	}

	var outTxn siptransport.ClientTransaction
	if origReq.IsInvite() {
		outTxn, err = m.transport.CreateUACTransaction(context.Background(), fwd)
	} else {
		outTxn, err = m.transport.CreateNonInviteTransaction(context.Background(), fwd)
	}
	if err != nil {
		return &InternalFault{Stage: "dispatch_forwarded_request", Cause: err}
	}

	// The forwarded transaction's id exists only once the transport
	// has created (and dispatched) it, so the entry is inserted right
	// after that. Response relaying starts only after the insert, so
	// no response is looked up before its map entry exists.
	m.txns.Insert(outTxn.ID(), txn.ID())

	go m.pumpForwardedResponses(outTxn, origReq, d.UserAgent)

	txn.OnRemoved(func() {
		m.txns.Remove(outTxn.ID())
	})

	m.store.UpdateProperty(d.ID, func(cur *dialog.Dialogue) *dialog.Dialogue {
		cp := cur.Clone()
		if cs := origReq.CSeq(); cs != nil {
			cp.CSeq = cs.SeqNo
		}
		return cp
	})

	if m.metrics != nil {
		m.metrics.ForwardedRequests.WithLabelValues(string(origReq.Method)).Inc()
	}

	return nil
}

// pumpForwardedResponses relays every response observed on a forwarded
// transaction back to the inbound transaction it originated from.
func (m *Manager) pumpForwardedResponses(outTxn siptransport.ClientTransaction, origReq *sip.Request, userAgent string) {
	for resp := range outTxn.Responses() {
		m.relayResponse(outTxn, resp, origReq, userAgent)
	}
}

func (m *Manager) relayResponse(outTxn siptransport.ClientTransaction, resp *sip.Response, origReq *sip.Request, userAgent string) {
	originID, ok := m.txns.Lookup(outTxn.ID())
	if !ok {
		m.logger.Warn("b2bua: response for unmapped transaction", "txn_id", outTxn.ID())
		return
	}

	origin, ok := m.transport.GetTransaction(originID)
	if !ok {
		m.logger.Warn("b2bua: origin transaction no longer exists", "origin_id", originID)
		return
	}
	inbound, ok := origin.(siptransport.InboundTransaction)
	if !ok {
		m.logger.Error("b2bua: origin transaction is not inbound", "origin_id", originID)
		return
	}

	body := resp.Body()
	if origReq.IsInvite() && len(body) > 0 {
		if newBody, changed := sdpmangle.Mangle(body, hostOnly(resp.Source())); changed {
			body = newBody
		}
	}

	fwdResp := buildForwardedResponse(inbound.Request(), resp.StatusCode, resp.Reason, body, m.localContact(), userAgent)
	if err := inbound.Respond(fwdResp); err != nil {
		m.logger.Error("b2bua: failed to relay response", "status", resp.StatusCode, "error", err)
	}
}

// Reinvite sends a re-INVITE on d carrying replacementSDP. CSeq is
// incremented and persisted first; no CDR is touched, since
// re-INVITEs never create new CDR rows.
func (m *Manager) Reinvite(d *dialog.Dialogue, replacementSDP []byte) error {
	var nextCSeq uint32
	m.store.UpdateProperty(d.ID, func(cur *dialog.Dialogue) *dialog.Dialogue {
		cp := cur.Clone()
		cp.CSeq++
		nextCSeq = cp.CSeq
		return cp
	})

	req, err := buildReinvite(d, m.localContact(), nextCSeq, replacementSDP)
	if err != nil {
		return &InternalFault{Stage: "build_reinvite", Cause: err}
	}

	endpoint, err := m.transport.GetRequestEndpoint(req, m.cfg.OutboundProxy, true)
	if err != nil || endpoint == "" {
		return ErrNoEndpoint
	}

	txn, err := m.transport.CreateUACTransaction(context.Background(), req)
	if err != nil {
		return &InternalFault{Stage: "dispatch_reinvite", Cause: err}
	}

	go m.reinviteFinalResponseReceived(d.ID, txn)
	return nil
}

// reinviteFinalResponseReceived observes the re-INVITE transaction to
// completion purely for logging; it makes no further state change on
// either success or failure.
func (m *Manager) reinviteFinalResponseReceived(dialogueID string, txn siptransport.ClientTransaction) {
	<-txn.Done()
	m.logger.Debug("b2bua: reinvite transaction settled", "dialogue_id", dialogueID)
}

// BlindTransfer replaces dead with orphan/answered: it mints a fresh
// bridge id on orphan and answered, persists orphan, adds answered,
// hangs up dead, and re-INVITEs orphan with answered's SDP.
func (m *Manager) BlindTransfer(dead, orphan, answered *dialog.Dialogue) error {
	bridgeID := uuid.New().String()
	orphan.BridgeID = bridgeID
	answered.BridgeID = bridgeID

	m.store.Update(orphan)
	m.store.Add(answered)

	if err := m.sendBye(dead); err != nil {
		m.logger.Error("b2bua: blind transfer: failed to bye dead leg", "dialogue_id", dead.ID, "error", err)
	}
	m.CallHungup(dead, "Blind transfer")

	return m.Reinvite(orphan, answered.RemoteSDP)
}

// HandleRefer processes an inbound REFER on d, driving the transfer
// state machine through blind-forward or attended-transfer completion.
// txn is the inbound transaction the REFER arrived on; referTo and
// replaces are the parsed Refer-To URI and its Replaces parameter (the
// latter empty for a blind transfer).
func (m *Manager) HandleRefer(d *dialog.Dialogue, txn siptransport.InboundTransaction, referTo, replaces, localEP, remoteEP string) (err error) {
	fsmInstance := newReferFSM()

	defer func() {
		if r := recover(); r != nil {
			fault := &InternalFault{Stage: "handle_refer", Cause: fmt.Errorf("%v", r)}
			m.respondRefer(txn, 500, "Internal Server Error")
			m.countReferOutcome("internal_fault")
			err = fault
		}
	}()

	if referTo == "" {
		_ = fsmInstance.Event(context.Background(), eventParseFailed)
		m.respondRefer(txn, 400, "Bad Request")
		m.countReferOutcome("rejected")
		return &ReferParseError{Value: referTo, Cause: fmt.Errorf("empty Refer-To")}
	}

	if replaces == "" {
		_ = fsmInstance.Event(context.Background(), eventBlindForward)
		m.observer.Notify(events.Record{Owner: d.Owner, EventType: events.ReferBlindForwarded, Text: d.ID})
		m.countReferOutcome("blind")
		return m.ForwardInDialogue(d, txn, localEP, remoteEP)
	}

	r, parseErr := m.index.GetByReplaces(replaces)
	if parseErr != nil {
		m.respondRefer(txn, 400, "Bad Request")
		m.countReferOutcome("rejected")
		return &ReferParseError{Value: replaces, Cause: parseErr}
	}
	if r == nil {
		_ = fsmInstance.Event(context.Background(), eventBlindForward)
		m.countReferOutcome("blind")
		return m.ForwardInDialogue(d, txn, localEP, remoteEP)
	}

	_ = fsmInstance.Event(context.Background(), eventReplacesFound)
	m.observer.Notify(events.Record{Owner: d.Owner, EventType: events.ReferReceived, Text: d.ID})
	m.countReferOutcome("attended")
	return m.completeAttendedTransfer(fsmInstance, d, r, txn)
}

func (m *Manager) countReferOutcome(outcome string) {
	if m.metrics != nil {
		m.metrics.ReferOutcomes.WithLabelValues(outcome).Inc()
	}
}

// completeAttendedTransfer runs steps 1-7 of the attended transfer
// diagram. Failures past step 3 are logged but never roll back
// earlier steps; both original dialogues are considered dead
// regardless of how later steps fare.
func (m *Manager) completeAttendedTransfer(fsmInstance interface{ Event(context.Context, string, ...interface{}) error }, d, r *dialog.Dialogue, txn siptransport.InboundTransaction) error {
	rem, ok := m.index.GetOpposite(r)
	if !ok {
		m.respondRefer(txn, 500, "Internal Server Error")
		return &InternalFault{Stage: "attended_transfer_lookup_rem", Cause: ErrOppositeNotFound}
	}
	rem2, ok := m.index.GetOpposite(d)
	if !ok {
		m.respondRefer(txn, 500, "Internal Server Error")
		return &InternalFault{Stage: "attended_transfer_lookup_rem2", Cause: ErrOppositeNotFound}
	}

	bridgeID := uuid.New().String()
	m.store.UpdateProperty(rem.ID, func(cur *dialog.Dialogue) *dialog.Dialogue {
		cp := cur.Clone()
		cp.BridgeID = bridgeID
		return cp
	})
	m.store.UpdateProperty(rem2.ID, func(cur *dialog.Dialogue) *dialog.Dialogue {
		cp := cur.Clone()
		cp.BridgeID = bridgeID
		return cp
	})

	m.respondRefer(txn, 202, "Accepted")

	if err := m.sendNotify(d, notifyTryingBody(), subscriptionStateActive); err != nil {
		m.logger.Error("b2bua: attended transfer: trying notify failed", "error", err)
	}

	reinviteErrs := make(chan error, 2)
	go func() { reinviteErrs <- m.Reinvite(rem, rem2.RemoteSDP) }()
	go func() { reinviteErrs <- m.Reinvite(rem2, rem.RemoteSDP) }()
	for i := 0; i < 2; i++ {
		if err := <-reinviteErrs; err != nil {
			m.logger.Error("b2bua: attended transfer: re-invite failed", "error", err)
		}
	}

	if err := m.sendNotify(d, notifyAcceptedBody(), subscriptionStateTerminated); err != nil {
		m.logger.Error("b2bua: attended transfer: accepted notify failed", "error", err)
	}

	_ = fsmInstance.Event(context.Background(), eventTransferDone)
	m.observer.Notify(events.Record{Owner: d.Owner, EventType: events.ReferAttendedComplete, Text: d.ID})

	m.CallHungup(d, "Attended transfer")
	m.CallHungup(r, "Attended transfer")

	return nil
}

func (m *Manager) sendNotify(d *dialog.Dialogue, body []byte, subState string) error {
	var nextCSeq uint32
	m.store.UpdateProperty(d.ID, func(cur *dialog.Dialogue) *dialog.Dialogue {
		cp := cur.Clone()
		cp.CSeq++
		nextCSeq = cp.CSeq
		return cp
	})
	req, err := buildNotify(d, m.localContact(), nextCSeq, body, subState)
	if err != nil {
		return err
	}
	_, err = m.transport.CreateNonInviteTransaction(context.Background(), req)
	return err
}

func (m *Manager) respondRefer(txn siptransport.InboundTransaction, statusCode int, reason string) {
	resp := sip.NewResponseFromRequest(txn.Request(), statusCode, reason, nil)
	if err := txn.Respond(resp); err != nil {
		m.logger.Error("b2bua: failed to respond to REFER", "status", statusCode, "error", err)
	}
}
