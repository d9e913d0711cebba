package rtpchannel

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coredial/b2bua/pkg/metrics"
	"github.com/pion/rtp"
)

// SocketKind selects which of the channel's two sockets a Send
// targets.
type SocketKind int

const (
	Media SocketKind = iota
	Control
)

func (k SocketKind) String() string {
	if k == Control {
		return "control"
	}
	return "media"
}

// SendOutcome is the demoted result of a fire-and-forget send: a
// failed individual send never closes the channel, but the caller
// can still distinguish a healthy send from a doomed one.
type SendOutcome int

const (
	Ok SendOutcome = iota
	Disconnecting
	TransientError
	Fault
)

func (o SendOutcome) String() string {
	switch o {
	case Ok:
		return "Ok"
	case Disconnecting:
		return "Disconnecting"
	case TransientError:
		return "TransientError"
	case Fault:
		return "Fault"
	default:
		return "Unknown"
	}
}

// ErrArgumentFault describes calling Send with an empty buffer or a
// nil destination — a programmer error, not a transport fault. Send
// does not return it: Send reports that case as the Fault outcome.
var ErrArgumentFault = errors.New("rtpchannel: empty buffer or nil destination")

// PortRange is the configurable [media_start, media_end] range two
// consecutive (or adjacent even/odd) ports are drawn from.
type PortRange struct {
	Start int
	End   int
}

// Options configures a new Channel.
type Options struct {
	BindAddr string // interface address to bind both sockets on
	Ports    PortRange

	// CreateControlSocket disables the control socket when false,
	// producing a single multiplexed media/control port: Control sends
	// go out on the media socket, and every packet received on that
	// port is delivered to OnRTP.
	CreateControlSocket bool

	OnRTP     func(remote *net.UDPAddr, data []byte)
	OnControl func(remote *net.UDPAddr, data []byte)
	OnClosed  func(reason string)

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Channel owns a pair of UDP Receivers (media, control) and the
// lifecycle and send-path glue around them.
type Channel struct {
	opts Options

	media   *Receiver
	control *Receiver // nil when multiplexed

	closed      atomic.Bool
	closeOnce   sync.Once
	closeReason string

	lastRemoteMedia   atomic.Pointer[net.UDPAddr]
	lastRemoteControl atomic.Pointer[net.UDPAddr]
}

// New allocates and binds the channel's sockets within opts.Ports,
// but does not start receiving yet — call Start for that.
func New(opts Options) (*Channel, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.OnRTP == nil || opts.OnClosed == nil {
		return nil, errors.New("rtpchannel: OnRTP and OnClosed are required")
	}

	ch := &Channel{opts: opts}

	mediaPort, controlPort, err := pickPortPair(opts.Ports, opts.CreateControlSocket)
	if err != nil {
		return nil, err
	}

	mediaAddr := &net.UDPAddr{IP: net.ParseIP(opts.BindAddr), Port: mediaPort}
	media, err := NewReceiver(mediaAddr, ch.handleMediaPacket, ch.handleReceiverClosed, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("rtpchannel: bind media socket: %w", err)
	}
	ch.media = media

	if opts.CreateControlSocket {
		controlAddr := &net.UDPAddr{IP: net.ParseIP(opts.BindAddr), Port: controlPort}
		control, err := NewReceiver(controlAddr, ch.handleControlPacket, ch.handleReceiverClosed, opts.Logger)
		if err != nil {
			media.Close("control socket bind failed")
			return nil, fmt.Errorf("rtpchannel: bind control socket: %w", err)
		}
		ch.control = control
	}

	return ch, nil
}

// pickPortPair returns the consecutive pair (r.Start, r.Start+1), or
// r.Start alone when control is multiplexed, and fails when the range
// holds fewer than two ports. A zero range yields port 0 for both, so
// the OS picks each socket's port. It does not probe whether the ports
// are free or align r.Start to an even port; New returns a bind
// failure on them as an error rather than trying another pair.
func pickPortPair(r PortRange, withControl bool) (mediaPort, controlPort int, err error) {
	if r.Start == 0 && r.End == 0 {
		return 0, 0, nil // let the OS choose both (single/multiplexed)
	}
	if r.Start <= 0 || r.End < r.Start {
		return 0, 0, fmt.Errorf("rtpchannel: invalid port range [%d,%d]", r.Start, r.End)
	}
	for p := r.Start; p+1 <= r.End; p += 2 {
		if !withControl {
			return p, 0, nil
		}
		return p, p + 1, nil
	}
	return 0, 0, fmt.Errorf("rtpchannel: no free port pair in [%d,%d]", r.Start, r.End)
}

// Start installs and starts both receivers.
func (c *Channel) Start() {
	c.media.BeginReceive()
	if c.control != nil {
		c.control.BeginReceive()
	}
}

func (c *Channel) handleMediaPacket(_, remote *net.UDPAddr, data []byte) {
	c.lastRemoteMedia.Store(remote)
	c.countReceived(Media)
	c.opts.OnRTP(remote, data)
}

func (c *Channel) handleControlPacket(_, remote *net.UDPAddr, data []byte) {
	c.lastRemoteControl.Store(remote)
	c.countReceived(Control)
	if c.opts.OnControl != nil {
		c.opts.OnControl(remote, data)
	}
}

func (c *Channel) countReceived(kind SocketKind) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.RTPPacketsReceived.WithLabelValues(kind.String()).Inc()
	}
}

// handleReceiverClosed fires when either owned receiver closes. A
// receiver closing on its own (a fatal socket error) tears the channel
// as a whole down; the callback a receiver fires while Close is already
// shutting it down is ignored. on_closed fires exactly once,
// regardless of which socket triggered it.
func (c *Channel) handleReceiverClosed(reason string) {
	if c.closed.Load() {
		return
	}
	c.Close(reason)
}

// Send commits data to the OS transmit queue for kind's socket. It is
// fire-and-forget: completion is observed only to classify the
// outcome, never to retry. A failed individual send never closes the
// channel.
func (c *Channel) Send(kind SocketKind, dst *net.UDPAddr, data []byte) SendOutcome {
	if len(data) == 0 || dst == nil {
		// A programming error, not a transport condition. It is
		// reported as Fault; the returned outcome does not tell it
		// apart from a transport fault.
		c.recordSend(kind, Fault)
		return Fault
	}

	if c.closed.Load() {
		c.recordSend(kind, Disconnecting)
		return Disconnecting
	}

	receiver := c.media
	if kind == Control && c.control != nil {
		receiver = c.control
	}
	if receiver == nil {
		c.recordSend(kind, Fault)
		return Fault
	}

	outcome := sendOn(receiver.conn, dst, data, kind)
	c.recordSend(kind, outcome)
	return outcome
}

func (c *Channel) recordSend(kind SocketKind, outcome SendOutcome) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.RTPSendOutcomes.WithLabelValues(kind.String(), outcome.String()).Inc()
	}
}

// sendOn performs the actual per-packet write and classifies the
// result into the outcome taxonomy below. On the media socket, data
// must parse as a well-formed RTP packet via pion/rtp before it is
// handed to the socket; a failed parse is reported as a Fault, not
// sent. The control socket carries RTCP, a different framing that
// legitimately fails this parse, so it is never validated here.
func sendOn(conn *net.UDPConn, dst *net.UDPAddr, data []byte, kind SocketKind) SendOutcome {
	if kind == Media {
		var probe rtp.Packet
		if err := probe.Unmarshal(data); err != nil {
			return Fault
		}
	}

	if _, err := conn.WriteToUDP(data, dst); err != nil {
		return classifySendError(err)
	}
	return Ok
}

func classifySendError(err error) SendOutcome {
	if errors.Is(err, net.ErrClosed) {
		return Disconnecting
	}
	msg := err.Error()
	if strings.Contains(msg, "connection reset") || strings.Contains(msg, "forcibly closed") {
		return TransientError
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return TransientError
	}
	return Fault
}

// Close shuts down both receivers, marks the channel closed, and
// fires on_closed exactly once. Idempotent.
func (c *Channel) Close(reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeReason = reason

		if !c.media.Closed() {
			c.media.Close(reason)
		}
		if c.control != nil && !c.control.Closed() {
			c.control.Close(reason)
		}

		c.opts.OnClosed(reason)
	})
}

// Closed reports whether the channel has been closed.
func (c *Channel) Closed() bool {
	return c.closed.Load()
}

// LastRemoteMedia returns the most recently observed remote media
// endpoint, for reporting only.
func (c *Channel) LastRemoteMedia() *net.UDPAddr {
	return c.lastRemoteMedia.Load()
}

// LastRemoteControl returns the most recently observed remote control
// endpoint, for reporting only.
func (c *Channel) LastRemoteControl() *net.UDPAddr {
	return c.lastRemoteControl.Load()
}

// LocalMediaPort returns the bound local media port.
func (c *Channel) LocalMediaPort() int {
	return c.media.LocalAddr().Port
}
