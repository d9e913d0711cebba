package siptransport

import (
	"testing"

	"github.com/emiago/sipgo/sip"
)

func TestGetRequestEndpoint_OutboundProxyWins(t *testing.T) {
	tr := &SipgoTransport{}
	var recipient sip.Uri
	_ = sip.ParseUri("sip:bob@example.com", &recipient)
	req := sip.NewRequest(sip.INVITE, recipient)

	ep, err := tr.GetRequestEndpoint(req, "proxy.example.com:5080", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ep != "proxy.example.com:5080" {
		t.Fatalf("expected outbound proxy to win, got %q", ep)
	}
}

func TestGetRequestEndpoint_UsesRouteSet(t *testing.T) {
	tr := &SipgoTransport{}
	var recipient, routeURI sip.Uri
	_ = sip.ParseUri("sip:bob@example.com", &recipient)
	_ = sip.ParseUri("sip:proxy.internal:5070", &routeURI)

	req := sip.NewRequest(sip.INVITE, recipient)
	req.AppendHeader(&sip.RouteHeader{Address: routeURI})

	ep, err := tr.GetRequestEndpoint(req, "", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ep != "proxy.internal:5070" {
		t.Fatalf("expected route-set endpoint, got %q", ep)
	}
}

func TestGetRequestEndpoint_FallsBackToRecipient(t *testing.T) {
	tr := &SipgoTransport{}
	var recipient sip.Uri
	_ = sip.ParseUri("sip:bob@example.com:5061", &recipient)
	req := sip.NewRequest(sip.INVITE, recipient)

	ep, err := tr.GetRequestEndpoint(req, "", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ep != "example.com:5061" {
		t.Fatalf("expected recipient endpoint, got %q", ep)
	}
}

func TestGetRequestEndpoint_DefaultPort(t *testing.T) {
	tr := &SipgoTransport{}
	var recipient sip.Uri
	_ = sip.ParseUri("sip:bob@example.com", &recipient)
	req := sip.NewRequest(sip.INVITE, recipient)

	ep, err := tr.GetRequestEndpoint(req, "", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ep != "example.com:5060" {
		t.Fatalf("expected default port 5060, got %q", ep)
	}
}

func TestGetRequestEndpoint_NoHostNoWildcard(t *testing.T) {
	tr := &SipgoTransport{}
	req := sip.NewRequest(sip.INVITE, sip.Uri{})

	if _, err := tr.GetRequestEndpoint(req, "", false); err == nil {
		t.Fatal("expected an error when no host resolves and wildcard is disallowed")
	}
}

func TestGetRequestEndpoint_NoHostWildcardOK(t *testing.T) {
	tr := &SipgoTransport{}
	req := sip.NewRequest(sip.INVITE, sip.Uri{})

	ep, err := tr.GetRequestEndpoint(req, "", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ep != "" {
		t.Fatalf("expected empty endpoint under wildcard fallback, got %q", ep)
	}
}
