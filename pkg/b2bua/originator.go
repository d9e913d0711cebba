package b2bua

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coredial/b2bua/pkg/dialog"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// OriginateRequest describes the outbound call the caller wants dialed
// for the answered leg of a blind transfer (the answered argument of
// BlindTransfer). TargetURI must already
// be a resolved SIP URI: the Originator never consults DNS/SRV or a
// dial plan to get there, that resolution belongs to the caller.
type OriginateRequest struct {
	TargetURI  string
	CallerID   string
	CallerName string
	SDPOffer   []byte
	Owner      string
	Timeout    time.Duration
}

// OriginateResult carries the outcome of a single originate attempt.
type OriginateResult struct {
	Success   bool
	Dialogue  *dialog.Dialogue
	SIPCode   int
	SIPReason string
	Err       error
}

// Originate sends a single outbound INVITE and waits for its final
// response, handing back a confirmed Dialogue on 2xx. It never
// resolves a destination itself and never retries or forks; that
// policy belongs above this type.
func (m *Manager) Originate(ctx context.Context, req OriginateRequest) *OriginateResult {
	var target sip.Uri
	if err := sip.ParseUri(req.TargetURI, &target); err != nil {
		return &OriginateResult{Err: fmt.Errorf("b2bua: parse target uri %q: %w", req.TargetURI, err)}
	}

	localTag := uuid.New().String()[:8]
	callID := uuid.New().String()

	invite := sip.NewRequest(sip.INVITE, target)
	invite.AppendHeader(sip.NewHeader("Max-Forwards", "70"))

	fromURI := m.localContact()
	fromURI.User = req.CallerID
	fromHdr := &sip.FromHeader{DisplayName: req.CallerName, Address: fromURI, Params: sip.HeaderParams{}}
	fromHdr.Params.Add("tag", localTag)
	invite.AppendHeader(fromHdr)

	invite.AppendHeader(&sip.ToHeader{Address: target, Params: sip.HeaderParams{}})

	cid := sip.CallID(callID)
	invite.AppendHeader(&cid)
	invite.AppendHeader(&sip.CSeq{SeqNo: 1, MethodName: sip.INVITE})
	invite.AppendHeader(&sip.ContactHeader{Address: m.localContact()})
	invite.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	invite.SetBody(req.SDPOffer)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 32 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	txn, err := m.transport.CreateUACTransaction(dialCtx, invite)
	if err != nil {
		return &OriginateResult{Err: fmt.Errorf("b2bua: originate: %w", err)}
	}

	for {
		select {
		case <-dialCtx.Done():
			txn.Terminate()
			return &OriginateResult{SIPCode: 408, SIPReason: "Request Timeout", Err: dialCtx.Err()}

		case resp, ok := <-txn.Responses():
			if !ok {
				return &OriginateResult{SIPCode: 500, SIPReason: "No Final Response"}
			}
			switch {
			case resp.StatusCode < 200:
				m.logger.Debug("b2bua: originate: provisional response", "status", resp.StatusCode)
				continue
			case resp.StatusCode < 300:
				d := m.dialogueFromInviteResponse(invite, resp, localTag, req.Owner)
				m.store.Add(d)
				return &OriginateResult{Success: true, Dialogue: d, SIPCode: resp.StatusCode, SIPReason: resp.Reason}
			default:
				return &OriginateResult{SIPCode: resp.StatusCode, SIPReason: resp.Reason}
			}
		}
	}
}

// dialogueFromInviteResponse builds the confirmed Dialogue record for
// the answered leg, mirroring the fields ForwardInDialogue expects on
// every other Dialogue in the store.
func (m *Manager) dialogueFromInviteResponse(invite *sip.Request, resp *sip.Response, localTag, owner string) *dialog.Dialogue {
	remoteTag := ""
	if to := resp.To(); to != nil {
		remoteTag, _ = to.Params.Get("tag")
	}

	remoteTarget := invite.Recipient.String()
	if contact := resp.Contact(); contact != nil {
		remoteTarget = contact.Address.String()
	}

	d := &dialog.Dialogue{
		ID:           uuid.New().String(),
		CallID:       string(invite.CallID().Value()),
		LocalTag:     localTag,
		RemoteTag:    remoteTag,
		CSeq:         1,
		RemoteTarget: remoteTarget,
		Owner:        owner,
		RemoteSDP:    resp.Body(),
	}
	if from := invite.From(); from != nil {
		d.LocalUserField = dialog.UserField{DisplayName: from.DisplayName, URI: from.Address.String()}
	}
	if to := resp.To(); to != nil {
		d.RemoteUserField = dialog.UserField{DisplayName: to.DisplayName, URI: to.Address.String()}
	}
	return d
}
