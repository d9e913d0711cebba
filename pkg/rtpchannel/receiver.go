// Package rtpchannel implements the RTP Channel core: a pair of UDP
// sockets (media + control) with an asynchronous receive loop and a
// fire-and-forget send path that tolerates transient socket errors
// without tearing down the session.
package rtpchannel

import (
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/net/ipv4"
)

// receiveBufferSize is sized to a typical MTU upper bound.
const receiveBufferSize = 2048

// PacketHandler is invoked for every non-empty datagram the receiver
// observes. localEP is recovered per-packet from ancillary control
// data so that a wildcard-bound socket still reports the specific
// destination address the datagram arrived on.
type PacketHandler func(localEP, remoteEP *net.UDPAddr, data []byte)

// ClosedHandler is invoked exactly once when the receiver closes,
// whether by explicit Close or by a fatal socket error.
type ClosedHandler func(reason string)

// Receiver owns one bound UDP socket and its perpetual receive loop.
type Receiver struct {
	conn *net.UDPConn
	pc   *ipv4.PacketConn

	// readFrom defaults to pc.ReadFrom; tests substitute it to inject
	// socket errors the real OS rarely hands back on demand.
	readFrom func(b []byte) (n int, cm *ipv4.ControlMessage, src net.Addr, err error)

	onPacket PacketHandler
	onClosed ClosedHandler
	logger   *slog.Logger

	closed  atomic.Bool
	closeMu sync.Mutex
	doneCh  chan struct{}
}

// NewReceiver binds a UDP socket at addr (use port 0 to let the OS
// choose) and wires the packet/closed callbacks. Neither callback may
// be nil.
func NewReceiver(addr *net.UDPAddr, onPacket PacketHandler, onClosed ClosedHandler, logger *slog.Logger) (*Receiver, error) {
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, err
	}

	r := &Receiver{
		conn:     conn,
		pc:       ipv4.NewPacketConn(conn),
		onPacket: onPacket,
		onClosed: onClosed,
		logger:   logger,
		doneCh:   make(chan struct{}),
	}
	r.readFrom = r.pc.ReadFrom

	// Request per-packet destination-address ancillary data so a
	// wildcard bind (0.0.0.0) still reports which local address the
	// datagram arrived on — required for multi-homed NAT steering.
	if err := r.pc.SetControlMessage(ipv4.FlagDst, true); err != nil {
		r.logger.Info("rtp receiver: control message unsupported, local_ep will be wildcard", "error", err)
	}

	return r, nil
}

// LocalAddr returns the socket's bound address.
func (r *Receiver) LocalAddr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// BeginReceive starts the perpetual receive loop in a new goroutine.
// Each successful receive immediately re-arms another; the loop runs
// until Close.
func (r *Receiver) BeginReceive() {
	go r.loop()
}

func (r *Receiver) loop() {
	buf := make([]byte, receiveBufferSize)

	for {
		n, cm, remote, err := r.readFrom(buf)
		if err != nil {
			if r.handleReadError(err) {
				return
			}
			continue
		}

		if n == 0 {
			// A zero-length datagram is dropped silently.
			continue
		}

		localEP := r.LocalAddr()
		if cm != nil && cm.Dst != nil {
			localEP = &net.UDPAddr{IP: cm.Dst, Port: localEP.Port}
		}

		remoteUDP, ok := remote.(*net.UDPAddr)
		if !ok {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		r.onPacket(localEP, remoteUDP, data)
	}
}

// handleReadError classifies a read error and returns true if the loop
// should stop (the receiver has closed or suffered a fatal error).
func (r *Receiver) handleReadError(err error) bool {
	if r.closed.Load() {
		// Object-disposed condition during a close race: ignored.
		return true
	}

	if isTransientUDPError(err) {
		// Endemic UDP/RTP anomaly (remote not listening yet, ICMP
		// port-unreachable from a stale peer, a transfer changing the
		// remote endpoint mid-call): log at info, re-arm the loop.
		r.logger.Info("rtp receiver: transient read error, continuing", "error", err)
		return false
	}

	r.logger.Error("rtp receiver: fatal read error, closing", "error", err)
	r.Close("read error: " + err.Error())
	return true
}

// isTransientUDPError reports whether err is one of the routine UDP
// anomalies that must not close the receiver: ECONNRESET (an ICMP
// port-unreachable surfaced on the next read) and similar transient
// network errors.
func isTransientUDPError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "WSAECONNRESET") ||
		strings.Contains(msg, "forcibly closed")
}

// Close stops the receive loop and fires onClosed exactly once.
// Idempotent: a second Close is a no-op.
func (r *Receiver) Close(reason string) {
	r.closeMu.Lock()
	defer r.closeMu.Unlock()

	if r.closed.Swap(true) {
		return
	}

	_ = r.conn.Close()
	close(r.doneCh)
	r.onClosed(reason)
}

// Closed reports whether Close has already run.
func (r *Receiver) Closed() bool {
	return r.closed.Load()
}
