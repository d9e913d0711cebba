package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/coredial/b2bua/internal/banner"
	"github.com/coredial/b2bua/pkg/b2bua"
	"github.com/coredial/b2bua/pkg/cdr"
	"github.com/coredial/b2bua/pkg/dialogindex"
	"github.com/coredial/b2bua/pkg/dialogstore"
	"github.com/coredial/b2bua/pkg/events"
	"github.com/coredial/b2bua/pkg/metrics"
	"github.com/coredial/b2bua/pkg/siptransport"
	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	bind := flag.String("bind", "0.0.0.0", "SIP bind address")
	port := flag.Int("port", 5060, "SIP listening port")
	advertise := flag.String("advertise", "127.0.0.1", "address advertised in Contact/Via")
	httpAddr := flag.String("http", ":8080", "metrics/health listen address")
	remoteHangupCause := flag.String("remote-hangup-cause", "Other leg disconnected", "cause stamped on the peer CDR when the local side hangs up first")
	userAgent := flag.String("user-agent", "coredial-b2bua", "User-Agent value stamped on forwarded/generated requests")
	outboundProxy := flag.String("outbound-proxy", "", "fixed next hop for every forwarded request")
	flag.Parse()

	if v := os.Getenv("BIND"); v != "" {
		*bind = v
	}
	if v := os.Getenv("ADVERTISE"); v != "" {
		*advertise = v
	}

	banner.Print("b2bua dialogue layer", []banner.ConfigLine{
		{Label: "bind", Value: net.JoinHostPort(*bind, strconv.Itoa(*port))},
		{Label: "advertise", Value: *advertise},
		{Label: "metrics/health", Value: *httpAddr},
		{Label: "outbound proxy", Value: *outboundProxy},
	})

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	store := dialogstore.New()
	index := dialogindex.New(store)
	cdrs := cdr.New()
	observer := events.ObserverFunc(func(r events.Record) {
		logger.Info("[Event] "+r.EventType.String(), "owner", r.Owner, "text", r.Text)
	})

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(*userAgent))
	if err != nil {
		logger.Error("failed to create user agent", "error", err)
		os.Exit(1)
	}

	transport, err := siptransport.NewSipgoTransport(ua, *advertise, *port, logger)
	if err != nil {
		logger.Error("failed to create sip transport", "error", err)
		os.Exit(1)
	}

	manager := b2bua.New(store, transport, cdrs, observer, logger, m, b2bua.Config{
		RemoteHangupCause: *remoteHangupCause,
		UserAgent:         *userAgent,
		OutboundProxy:     *outboundProxy,
	})

	registerHandlers(transport.Server(), manager, index, *advertise, logger)

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		logger.Info("metrics server listening", "addr", *httpAddr)
		if err := http.ListenAndServe(*httpAddr, nil); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("b2bua dialogue layer starting", "bind", *bind, "port", *port, "advertise", *advertise)
	if err := transport.Server().ListenAndServe(ctx, "udp", net.JoinHostPort(*bind, strconv.Itoa(*port))); err != nil {
		logger.Error("sip server stopped", "error", err)
		os.Exit(1)
	}
}

// registerHandlers wires the in-dialogue request methods to the
// Dialogue Index + Dialogue Manager. Initial INVITEs that create a
// new dialogue/bridge are out of scope here: that policy belongs to
// the dial-plan layer this module never implements.
func registerHandlers(srv *sipgo.Server, manager *b2bua.Manager, index *dialogindex.Index, advertiseAddr string, logger *slog.Logger) {
	lookup := func(req *sip.Request) (callID, localTag, remoteTag string) {
		if cid := req.CallID(); cid != nil {
			callID = cid.Value()
		}
		if to := req.To(); to != nil {
			localTag, _ = to.Params.Get("tag")
		}
		if from := req.From(); from != nil {
			remoteTag, _ = from.Params.Get("tag")
		}
		return
	}

	handle := func(req *sip.Request, tx sip.ServerTransaction) {
		callID, localTag, remoteTag := lookup(req)
		d, ok := index.GetByTriple(callID, localTag, remoteTag)
		if !ok {
			resp := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
			if err := tx.Respond(resp); err != nil {
				logger.Error("failed to respond 481", "error", err)
			}
			return
		}

		inbound := siptransport.NewInboundServerTransaction(req, tx)
		remoteEP := req.Source()
		localEP := advertiseAddr

		if req.Method == sip.REFER {
			referTo := ""
			if h := req.GetHeader("Refer-To"); h != nil {
				referTo = h.Value()
			}
			replaces := extractReplaces(referTo)
			if err := manager.HandleRefer(d, inbound, referTo, replaces, localEP, remoteEP); err != nil {
				logger.Error("refer handling failed", "error", err)
			}
			return
		}

		if err := manager.ForwardInDialogue(d, inbound, localEP, remoteEP); err != nil {
			logger.Error("forward failed", "method", string(req.Method), "error", err)
			resp := sip.NewResponseFromRequest(req, 500, "Internal Server Error", nil)
			_ = tx.Respond(resp)
		}
	}

	srv.OnBye(handle)
	srv.OnInvite(handle)
	srv.OnInfo(handle)
	srv.OnRefer(handle)
	srv.OnNotify(handle)
}

// extractReplaces pulls the Replaces value out of a Refer-To header,
// per RFC 3891: Replaces is never its own top-level header, it rides
// inside the Refer-To URI's embedded header block
// (Refer-To: <sip:bob@host?Replaces=...>). Empty return means a blind
// transfer.
func extractReplaces(referTo string) string {
	s := strings.TrimSpace(referTo)
	if start := strings.IndexByte(s, '<'); start != -1 {
		if end := strings.IndexByte(s[start:], '>'); end != -1 {
			s = s[start+1 : start+end]
		}
	}

	var uri sip.Uri
	if err := sip.ParseUri(s, &uri); err != nil {
		return ""
	}
	replaces, _ := uri.Headers.Get("Replaces")
	return replaces
}
