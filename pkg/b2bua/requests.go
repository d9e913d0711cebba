package b2bua

import (
	"fmt"

	"github.com/coredial/b2bua/pkg/dialog"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// newBranch mints a fresh RFC 3261 magic-cookie branch id.
func newBranch() string {
	return "z9hG4bK" + uuid.New().String()
}

// buildForwardedRequest copies orig and rewrites it to be sent as a new
// in-dialogue request to p, per the header-rewrite rules: URI, Routes,
// Call-ID, CSeq, To, From, a single Contact, a fresh Via, and a clean
// Authorization/User-Agent.
func buildForwardedRequest(orig *sip.Request, p *dialog.Dialogue, localContact sip.Uri, newCSeq uint32) (*sip.Request, error) {
	var recipient sip.Uri
	if err := sip.ParseUri(p.RemoteTarget, &recipient); err != nil {
		return nil, fmt.Errorf("b2bua: parse remote target %q: %w", p.RemoteTarget, err)
	}

	req := sip.NewRequest(orig.Method, recipient)
	req.SipVersion = orig.SipVersion

	req.RemoveHeader("Route")
	for _, rt := range p.RouteSet {
		var u sip.Uri
		if err := sip.ParseUri(rt, &u); err != nil {
			continue
		}
		req.AppendHeader(&sip.RouteHeader{Address: u})
	}

	var remoteURI, localURI sip.Uri
	_ = sip.ParseUri(p.RemoteUserField.URI, &remoteURI)
	_ = sip.ParseUri(p.LocalUserField.URI, &localURI)

	toHdr := &sip.ToHeader{DisplayName: p.RemoteUserField.DisplayName, Address: remoteURI}
	toHdr.Params = sip.HeaderParams{}
	if p.RemoteTag != "" {
		toHdr.Params.Add("tag", p.RemoteTag)
	}
	req.AppendHeader(toHdr)

	fromHdr := &sip.FromHeader{DisplayName: p.LocalUserField.DisplayName, Address: localURI}
	fromHdr.Params = sip.HeaderParams{}
	if p.LocalTag != "" {
		fromHdr.Params.Add("tag", p.LocalTag)
	}
	req.AppendHeader(fromHdr)

	callID := sip.CallID(p.CallID)
	req.AppendHeader(&callID)

	req.AppendHeader(&sip.CSeq{SeqNo: newCSeq, MethodName: orig.Method})

	req.AppendHeader(&sip.ContactHeader{Address: localContact})

	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            localContact.Host,
		Port:            localContact.Port,
		Params:          sip.HeaderParams{},
	}
	via.Params.Add("branch", newBranch())
	req.AppendHeader(via)

	req.RemoveHeader("Authorization")
	req.RemoveHeader("Proxy-Authorization")

	if p.UserAgent != "" {
		req.RemoveHeader("User-Agent")
		req.AppendHeader(sip.NewHeader("User-Agent", p.UserAgent))
	}
	if p.ProxySendFrom != "" {
		req.RemoveHeader("Proxy-Send-From")
		req.AppendHeader(sip.NewHeader("Proxy-Send-From", p.ProxySendFrom))
	}

	if body := orig.Body(); len(body) > 0 {
		req.SetBody(body)
	}

	return req, nil
}

// buildForwardedResponse builds the response relayed back to origReq,
// per the response-forwarding rule: Via/To/From/Call-ID/CSeq come from
// the origin request, the route set is stripped, Contact is fresh, and
// User-Agent is stamped.
func buildForwardedResponse(origReq *sip.Request, statusCode int, reason string, body []byte, localContact sip.Uri, userAgent string) *sip.Response {
	res := sip.NewResponseFromRequest(origReq, statusCode, reason, body)
	res.AppendHeader(&sip.ContactHeader{Address: localContact})
	if userAgent != "" {
		res.RemoveHeader("User-Agent")
		res.AppendHeader(sip.NewHeader("User-Agent", userAgent))
	}
	return res
}

// buildBye constructs a BYE for d, sent to the peer's remote target over
// its route set, with CSeq = ++peer.cseq.
func buildBye(p *dialog.Dialogue, localContact sip.Uri, cseq uint32) (*sip.Request, error) {
	var recipient sip.Uri
	if err := sip.ParseUri(p.RemoteTarget, &recipient); err != nil {
		return nil, fmt.Errorf("b2bua: parse remote target %q: %w", p.RemoteTarget, err)
	}
	req := sip.NewRequest(sip.BYE, recipient)

	for _, rt := range p.RouteSet {
		var u sip.Uri
		if err := sip.ParseUri(rt, &u); err != nil {
			continue
		}
		req.AppendHeader(&sip.RouteHeader{Address: u})
	}

	var remoteURI, localURI sip.Uri
	_ = sip.ParseUri(p.RemoteUserField.URI, &remoteURI)
	_ = sip.ParseUri(p.LocalUserField.URI, &localURI)

	toHdr := &sip.ToHeader{DisplayName: p.RemoteUserField.DisplayName, Address: remoteURI, Params: sip.HeaderParams{}}
	if p.RemoteTag != "" {
		toHdr.Params.Add("tag", p.RemoteTag)
	}
	req.AppendHeader(toHdr)

	fromHdr := &sip.FromHeader{DisplayName: p.LocalUserField.DisplayName, Address: localURI, Params: sip.HeaderParams{}}
	if p.LocalTag != "" {
		fromHdr.Params.Add("tag", p.LocalTag)
	}
	req.AppendHeader(fromHdr)

	callID := sip.CallID(p.CallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeq{SeqNo: cseq, MethodName: sip.BYE})
	req.AppendHeader(&sip.ContactHeader{Address: localContact})

	via := &sip.ViaHeader{ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP", Host: localContact.Host, Port: localContact.Port, Params: sip.HeaderParams{}}
	via.Params.Add("branch", newBranch())
	req.AppendHeader(via)

	return req, nil
}

// buildReinvite builds a re-INVITE for d carrying replacementSDP, with
// CSeq = d.cseq (already incremented by the caller).
func buildReinvite(p *dialog.Dialogue, localContact sip.Uri, cseq uint32, replacementSDP []byte) (*sip.Request, error) {
	req, err := buildBye(p, localContact, cseq) // reuse the in-dialogue header shape
	if err != nil {
		return nil, err
	}
	req.Method = sip.INVITE
	for _, h := range req.GetHeaders("CSeq") {
		if cs, ok := h.(*sip.CSeq); ok {
			cs.MethodName = sip.INVITE
		}
	}
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody(replacementSDP)
	return req, nil
}

// notifyTryingBody/notifyAcceptedBody and the subscriptionState*
// constants give the sipfrag NOTIFY body and Subscription-State value
// for each stage of REFER progress reporting.
func notifyTryingBody() []byte   { return []byte("SIP/2.0 100 Trying") }
func notifyAcceptedBody() []byte { return []byte("SIP/2.0 200 OK") }

const (
	subscriptionStateActive     = "active;expires=32"
	subscriptionStateTerminated = "terminated;reason=noresource"
)

// buildNotify constructs the REFER-progress NOTIFY sent in-dialogue on
// d, carrying a message/sipfrag body reporting the transfer's status.
func buildNotify(p *dialog.Dialogue, localContact sip.Uri, cseq uint32, body []byte, subState string) (*sip.Request, error) {
	req, err := buildBye(p, localContact, cseq)
	if err != nil {
		return nil, err
	}
	req.Method = sip.NOTIFY
	for _, h := range req.GetHeaders("CSeq") {
		if cs, ok := h.(*sip.CSeq); ok {
			cs.MethodName = sip.NOTIFY
		}
	}
	req.AppendHeader(sip.NewHeader("Event", "refer"))
	req.AppendHeader(sip.NewHeader("Subscription-State", subState))
	req.AppendHeader(sip.NewHeader("Content-Type", "message/sipfrag;version=2.0"))
	req.SetBody(body)
	return req, nil
}
