package siptransport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// SipgoTransport adapts a sipgo Client/Server pair to the Transport
// and InboundTransaction interfaces. It is the only concrete
// collaborator this module ships; any other transaction layer is a
// caller concern.
type SipgoTransport struct {
	ua       *sipgo.UserAgent
	client   *sipgo.Client
	server   *sipgo.Server
	protocol string
	logger   *slog.Logger

	mu   sync.Mutex
	txns map[string]Transaction
}

// NewSipgoTransport builds a Transport bound to advertiseAddr:port,
// with ua as the shared sipgo UserAgent.
func NewSipgoTransport(ua *sipgo.UserAgent, advertiseAddr string, port int, logger *slog.Logger) (*SipgoTransport, error) {
	client, err := sipgo.NewClient(ua)
	if err != nil {
		return nil, fmt.Errorf("siptransport: new client: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, fmt.Errorf("siptransport: new server: %w", err)
	}
	return &SipgoTransport{
		ua:       ua,
		client:   client,
		server:   server,
		protocol: net.JoinHostPort(advertiseAddr, strconv.Itoa(port)),
		logger:   logger,
		txns:     make(map[string]Transaction),
	}, nil
}

// Server exposes the underlying sipgo server so main can register
// method handlers and call ListenAndServe.
func (t *SipgoTransport) Server() *sipgo.Server { return t.server }

type clientTxn struct {
	id  string
	tx  sip.ClientTransaction
	req *sip.Request
}

func (c *clientTxn) ID() string                      { return c.id }
func (c *clientTxn) Request() *sip.Request           { return c.req }
func (c *clientTxn) Responses() <-chan *sip.Response { return c.tx.Responses() }
func (c *clientTxn) Done() <-chan struct{}           { return c.tx.Done() }
func (c *clientTxn) Terminate()                      { c.tx.Terminate() }

func (t *SipgoTransport) track(id string, tx Transaction) {
	t.mu.Lock()
	t.txns[id] = tx
	t.mu.Unlock()
}

func (t *SipgoTransport) untrack(id string) {
	t.mu.Lock()
	delete(t.txns, id)
	t.mu.Unlock()
}

func (t *SipgoTransport) newClientTransaction(ctx context.Context, req *sip.Request) (ClientTransaction, error) {
	tx, err := t.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	wrapped := &clientTxn{id: uuid.New().String(), tx: tx, req: req}
	t.track(wrapped.id, wrapped)
	go func() {
		<-tx.Done()
		t.untrack(wrapped.id)
	}()
	return wrapped, nil
}

// CreateUACTransaction implements Transport.
func (t *SipgoTransport) CreateUACTransaction(ctx context.Context, req *sip.Request) (ClientTransaction, error) {
	return t.newClientTransaction(ctx, req)
}

// CreateNonInviteTransaction implements Transport.
func (t *SipgoTransport) CreateNonInviteTransaction(ctx context.Context, req *sip.Request) (ClientTransaction, error) {
	return t.newClientTransaction(ctx, req)
}

// GetTransaction implements Transport.
func (t *SipgoTransport) GetTransaction(id string) (Transaction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	txn, ok := t.txns[id]
	return txn, ok
}

// GetRequestEndpoint resolves req's next hop. Route-set presence and
// the outbound proxy override are the only policy applied here; DNS
// SRV and dial-plan resolution are out of scope and never consulted.
func (t *SipgoTransport) GetRequestEndpoint(req *sip.Request, outboundProxy string, wildcardOK bool) (string, error) {
	if outboundProxy != "" {
		return outboundProxy, nil
	}
	if routes := req.GetHeaders("Route"); len(routes) > 0 {
		if rt, ok := routes[0].(*sip.RouteHeader); ok {
			return hostPort(rt.Address.Host, rt.Address.Port), nil
		}
	}
	if req.Recipient.Host == "" {
		if wildcardOK {
			return "", nil
		}
		return "", fmt.Errorf("siptransport: no recipient host")
	}
	return hostPort(req.Recipient.Host, req.Recipient.Port), nil
}

func hostPort(host string, port int) string {
	if port == 0 {
		port = 5060
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// GetDefaultEndpoint returns this node's outward-facing endpoint.
func (t *SipgoTransport) GetDefaultEndpoint(protocol string) (string, error) {
	return t.protocol, nil
}

// InboundServerTransaction adapts sip.ServerTransaction to
// InboundTransaction for a single inbound request.
type InboundServerTransaction struct {
	id  string
	req *sip.Request
	tx  sip.ServerTransaction

	mu        sync.Mutex
	onRemoved []func()
}

// NewInboundServerTransaction wraps an inbound request/transaction
// pair as they arrive at a registered RequestHandler.
func NewInboundServerTransaction(req *sip.Request, tx sip.ServerTransaction) *InboundServerTransaction {
	wrapped := &InboundServerTransaction{id: uuid.New().String(), req: req, tx: tx}
	tx.OnTerminate(func(key string, err error) {
		wrapped.mu.Lock()
		callbacks := wrapped.onRemoved
		wrapped.mu.Unlock()
		for _, fn := range callbacks {
			fn()
		}
	})
	return wrapped
}

func (i *InboundServerTransaction) ID() string            { return i.id }
func (i *InboundServerTransaction) Request() *sip.Request { return i.req }

func (i *InboundServerTransaction) Respond(resp *sip.Response) error {
	return i.tx.Respond(resp)
}

func (i *InboundServerTransaction) OnRemoved(fn func()) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.onRemoved = append(i.onRemoved, fn)
}
