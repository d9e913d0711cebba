package sdpmangle

import (
	"bytes"
	"strings"
	"testing"
)

func buildSDP(connAddr string) []byte {
	tmpl := "v=0\r\n" +
		"o=- 1 1 IN IP4 " + connAddr + "\r\n" +
		"s=-\r\n" +
		"c=IN IP4 " + connAddr + "\r\n" +
		"t=0 0\r\n" +
		"m=audio 49170 RTP/AVP 0\r\n"
	return []byte(tmpl)
}

func TestMangle_RewritesPrivateAddress(t *testing.T) {
	body := buildSDP("10.0.0.5")
	out, changed := Mangle(body, "203.0.113.7")
	if !changed {
		t.Fatal("expected a change for private address")
	}
	if !bytes.Contains(out, []byte("c=IN IP4 203.0.113.7")) {
		t.Fatalf("expected rewritten connection line, got:\n%s", out)
	}
}

func TestMangle_NoopWhenAlreadyMatches(t *testing.T) {
	body := buildSDP("203.0.113.7")
	out, changed := Mangle(body, "203.0.113.7")
	if changed {
		t.Fatal("expected no-op when address already matches")
	}
	if !bytes.Equal(out, body) {
		t.Fatal("expected body returned unchanged")
	}
}

func TestMangle_NoopWhenNotPrivate(t *testing.T) {
	body := buildSDP("198.51.100.9")
	out, changed := Mangle(body, "203.0.113.7")
	if changed {
		t.Fatal("expected no-op for a public (non-private) source address")
	}
	if !bytes.Equal(out, body) {
		t.Fatal("expected body returned unchanged")
	}
}

func TestMangle_NoopWhenNotSDP(t *testing.T) {
	body := []byte("not sdp at all")
	out, changed := Mangle(body, "203.0.113.7")
	if changed {
		t.Fatal("expected no-op for non-SDP body")
	}
	if !bytes.Equal(out, body) {
		t.Fatal("expected body returned unchanged")
	}
}

func TestMangle_Idempotent(t *testing.T) {
	body := buildSDP("10.0.0.5")
	once, _ := Mangle(body, "203.0.113.7")
	twice, changedAgain := Mangle(once, "203.0.113.7")
	if changedAgain {
		t.Fatal("expected second mangle pass to be a no-op")
	}
	if !bytes.Equal(once, twice) {
		t.Fatal("expected idempotent result")
	}
	if !strings.Contains(string(twice), "203.0.113.7") {
		t.Fatal("expected address to remain rewritten")
	}
}

func TestMangle_PortsAndAttributesUntouched(t *testing.T) {
	body := buildSDP("10.0.0.5")
	out, changed := Mangle(body, "203.0.113.7")
	if !changed {
		t.Fatal("expected change")
	}
	if !bytes.Contains(out, []byte("m=audio 49170 RTP/AVP 0")) {
		t.Fatalf("expected media line untouched, got:\n%s", out)
	}
}
