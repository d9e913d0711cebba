// Package sdpmangle rewrites the connection address of an SDP body
// when the offered address is private or otherwise unreachable, so a
// NAT-traversed peer gets a publicly reachable c= line.
package sdpmangle

import (
	"net"

	"github.com/pion/sdp/v3"
)

// rfc1918 and the other non-globally-routable ranges the mangler
// treats as "unreachable" — loopback and link-local included, since
// a B2BUA never wants to offer those to the far side either.
var privateBlocks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err) // unreachable: all literals above are valid CIDRs
		}
		out = append(out, n)
	}
	return out
}

// isPrivate reports whether addr is an RFC 1918 (or otherwise
// unreachable) address.
func isPrivate(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, n := range privateBlocks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Mangle rewrites the c= connection address in body to newAddress if
// the offered address is private and differs from newAddress. It is
// a no-op if the address already matches newAddress, if the offered
// address is not private/unreachable, or if body does not parse as
// SDP. Port numbers and media attributes are left untouched.
//
// Mangle is idempotent: mangling an already-mangled body with the
// same newAddress returns it unchanged, since after the first pass
// the connection address equals newAddress and the "differs" check
// short-circuits.
func Mangle(body []byte, newAddress string) (newBody []byte, wasChanged bool) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return body, false
	}

	changed := false

	if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		if sd.ConnectionInformation.Address.Address != newAddress && isPrivate(sd.ConnectionInformation.Address.Address) {
			sd.ConnectionInformation.Address.Address = newAddress
			changed = true
		}
	}

	for _, md := range sd.MediaDescriptions {
		if md.ConnectionInformation == nil || md.ConnectionInformation.Address == nil {
			continue
		}
		if md.ConnectionInformation.Address.Address != newAddress && isPrivate(md.ConnectionInformation.Address.Address) {
			md.ConnectionInformation.Address.Address = newAddress
			changed = true
		}
	}

	if !changed {
		return body, false
	}

	out, err := sd.Marshal()
	if err != nil {
		return body, false
	}
	return out, true
}
