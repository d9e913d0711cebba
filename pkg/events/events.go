// Package events is the Monitor/log sink collaborator: a single
// delegate accepting a structured event record (owner, server-type,
// event-type, remote-ep, text). The Dialogue Manager holds exactly one
// observer slot (the RTP Channel reports through its own Options
// callbacks and raises no events); nothing in this module needs a
// multicast fan-out of its own, since a caller wanting several sinks
// can compose them behind one Observer.
package events

import "net"

// Type enumerates the structured event kinds an Observer can receive;
// the Dialogue Manager is the module's only source of events.
type Type int

const (
	DialogueCreated Type = iota
	DialogueRemoved
	DialPlanError
	ReferReceived
	ReferRejected
	ReferBlindForwarded
	ReferAttendedComplete
	InternalFault
)

func (t Type) String() string {
	switch t {
	case DialogueCreated:
		return "DialogueCreated"
	case DialogueRemoved:
		return "DialogueRemoved"
	case DialPlanError:
		return "DialPlanError"
	case ReferReceived:
		return "ReferReceived"
	case ReferRejected:
		return "ReferRejected"
	case ReferBlindForwarded:
		return "ReferBlindForwarded"
	case ReferAttendedComplete:
		return "ReferAttendedComplete"
	case InternalFault:
		return "InternalFault"
	default:
		return "Unknown"
	}
}

// Record is the structured event record observers receive.
type Record struct {
	Owner      string
	ServerType string
	EventType  Type
	RemoteEP   *net.UDPAddr
	Text       string
}

// Observer receives structured events. The Dialogue Manager holds a
// single observer slot, set at construction.
type Observer interface {
	Notify(Record)
}

// ObserverFunc adapts a plain function to the Observer interface.
type ObserverFunc func(Record)

func (f ObserverFunc) Notify(r Record) { f(r) }

// Noop discards every event. Useful as a default so callers never
// need a nil check.
var Noop Observer = ObserverFunc(func(Record) {})
