package b2bua

import "github.com/looplab/fsm"

// REFER transfer states:
//
//	Received -> {Rejected | BlindForwarded | AttendedInProgress -> AttendedComplete}
const (
	ReferStateReceived           = "received"
	ReferStateRejected           = "rejected"
	ReferStateBlindForwarded     = "blind_forwarded"
	ReferStateAttendedInProgress = "attended_in_progress"
	ReferStateAttendedComplete   = "attended_complete"
)

// referEvents names the transitions driving newReferFSM, matching the
// diagram's branches.
const (
	eventParseFailed   = "parse_failed"
	eventBlindForward  = "blind_forward"
	eventReplacesFound = "replaces_found"
	eventTransferDone  = "transfer_done"
)

// newReferFSM wraps looplab/fsm to track a single REFER's progress
// through the state diagram above. One instance is created per
// inbound REFER; it is not shared or reused across transfers.
func newReferFSM() *fsm.FSM {
	return fsm.NewFSM(
		ReferStateReceived,
		fsm.Events{
			{Name: eventParseFailed, Src: []string{ReferStateReceived}, Dst: ReferStateRejected},
			{Name: eventBlindForward, Src: []string{ReferStateReceived}, Dst: ReferStateBlindForwarded},
			{Name: eventReplacesFound, Src: []string{ReferStateReceived}, Dst: ReferStateAttendedInProgress},
			{Name: eventTransferDone, Src: []string{ReferStateAttendedInProgress}, Dst: ReferStateAttendedComplete},
		},
		nil,
	)
}
