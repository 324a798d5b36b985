// internal/browser/network/beacontap.go
package network

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"go.uber.org/zap"

	"github.com/slotheather55/webspark/api/schemas"
	"github.com/slotheather55/webspark/internal/browser/security"
	"github.com/slotheather55/webspark/internal/config"
)

// The tap is a plain forward proxy the browser is pointed at through
// --proxy-server. It sees every outbound request the renderer makes,
// including beacons fired from teardown paths that the CDP listener can
// miss when a target detaches mid-flight.

var (
	// goproxy keys its interception state off package globals, so the CA
	// can be installed only once per process. The first caller wins.
	mitmOnce  sync.Once
	mitmErr   error
	mitmReady bool
)

// tapBodyLimit caps how much of a request body is copied onto a record.
// Anything larger is a payload upload, not a beacon.
const tapBodyLimit = 256 << 10

// BeaconTap is a loopback HTTP proxy that records outbound requests as a
// second beacon source beside the CDP network listener. With a CA it
// intercepts TLS and records full request URLs; without one it tunnels
// CONNECT traffic and records the destination host:port only.
type BeaconTap struct {
	proxy         *goproxy.ProxyHttpServer
	server        *http.Server
	listener      net.Listener
	logger        *zap.Logger
	addr          string
	captureBodies bool
	intercepting  bool

	mu      sync.Mutex
	records []schemas.NetworkRequest
}

// NewBeaconTap builds a tap from the network config. ignoreTLSErrors
// mirrors the browser flag of the same meaning: when set, the tap may
// generate an ephemeral interception CA (the browser accepts its forged
// certificates anyway) and skips verification on its own upstream
// connections. Operator-supplied CA files always take precedence.
func NewBeaconTap(cfg config.NetworkConfig, ignoreTLSErrors bool, logger *zap.Logger) (*BeaconTap, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	tap := &BeaconTap{
		proxy:         goproxy.NewProxyHttpServer(),
		logger:        logger.Named("beacon_tap"),
		addr:          cfg.TapAddr,
		captureBodies: cfg.CaptureBodies,
	}
	tap.proxy.Tr = newUpstreamTransport(ignoreTLSErrors)

	caCert, caKey, err := loadTapCA(cfg, ignoreTLSErrors)
	if err != nil {
		return nil, err
	}
	if caCert != nil {
		if err := configureMITM(caCert, caKey); err != nil {
			return nil, fmt.Errorf("configure TLS interception: %w", err)
		}
		tap.intercepting = true
		tap.logger.Info("TLS interception enabled; recording full request URLs.")
	} else {
		tap.logger.Info("No interception CA; tunneling TLS and recording host:port only.")
	}

	tap.proxy.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(tap.handleConnect))
	tap.proxy.OnRequest().DoFunc(tap.handleRequest)
	tap.proxy.OnResponse().DoFunc(tap.handleResponse)

	return tap, nil
}

// loadTapCA resolves the interception CA. Both file paths set loads the
// operator pair; neither set falls back to an ephemeral CA when the
// browser ignores certificate errors, else interception stays off.
func loadTapCA(cfg config.NetworkConfig, ignoreTLSErrors bool) (cert, key []byte, err error) {
	switch {
	case cfg.TapCACert != "" && cfg.TapCAKey != "":
		cert, err = os.ReadFile(cfg.TapCACert)
		if err != nil {
			return nil, nil, fmt.Errorf("read tap CA certificate: %w", err)
		}
		key, err = os.ReadFile(cfg.TapCAKey)
		if err != nil {
			return nil, nil, fmt.Errorf("read tap CA key: %w", err)
		}
		return cert, key, nil
	case cfg.TapCACert != "" || cfg.TapCAKey != "":
		return nil, nil, errors.New("tap_ca_cert and tap_ca_key must be set together")
	case !ignoreTLSErrors:
		return nil, nil, nil
	}

	ca, err := security.NewEphemeralCA()
	if err != nil {
		return nil, nil, fmt.Errorf("generate ephemeral tap CA: %w", err)
	}
	return ca.CertPEM, ca.KeyPEM, nil
}

// Start binds the listener and serves in the background. A port of zero
// in tap_addr lets the kernel pick; Addr reports the bound address.
func (t *BeaconTap) Start() error {
	if t.listener != nil {
		return errors.New("beacon tap already started")
	}
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("beacon tap listen on %s: %w", t.addr, err)
	}
	t.listener = ln
	t.server = &http.Server{
		Handler:           t.proxy,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("Beacon tap server stopped.", zap.Error(err))
		}
	}()

	t.logger.Info("Beacon tap listening.", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr reports the bound listen address, empty before Start.
func (t *BeaconTap) Addr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// ProxyServerFlag renders the Chrome switch that routes a browser
// through the tap.
func (t *BeaconTap) ProxyServerFlag() string {
	return "--proxy-server=" + t.Addr()
}

// Intercepting reports whether TLS interception is active on this tap.
func (t *BeaconTap) Intercepting() bool {
	return t.intercepting
}

// Cursor returns the current position in the record stream. Snapshot it
// when a correlation window opens and hand it to Since when the window
// closes to read only the records that arrived in between.
func (t *BeaconTap) Cursor() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Since returns a copy of the records appended at or after cursor.
func (t *BeaconTap) Since(cursor int) []schemas.NetworkRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cursor < 0 {
		cursor = 0
	}
	if cursor >= len(t.records) {
		return nil
	}
	out := make([]schemas.NetworkRequest, len(t.records)-cursor)
	copy(out, t.records[cursor:])
	return out
}

// Close stops the listener and waits for in-flight requests until the
// context expires. Hijacked CONNECT tunnels are left to the browser to
// tear down.
func (t *BeaconTap) Close(ctx context.Context) error {
	if t.server == nil {
		return nil
	}
	return t.server.Shutdown(ctx)
}

func (t *BeaconTap) record(req schemas.NetworkRequest) {
	t.mu.Lock()
	t.records = append(t.records, req)
	t.mu.Unlock()
}

// handleConnect decides between interception and tunneling. Tunneled
// connections are opaque, so the CONNECT target itself is the record.
func (t *BeaconTap) handleConnect(host string, _ *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
	if t.intercepting && mitmReady {
		// The decrypted requests inside the tunnel reach handleRequest.
		return goproxy.MitmConnect, host
	}
	t.record(schemas.NetworkRequest{
		URL:       "https://" + host,
		Method:    http.MethodConnect,
		Timestamp: time.Now(),
	})
	return goproxy.OkConnect, host
}

func (t *BeaconTap) handleRequest(r *http.Request, _ *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	rec := schemas.NetworkRequest{
		URL:       requestURL(r),
		Method:    r.Method,
		Timestamp: time.Now(),
	}
	if t.captureBodies {
		rec.PostData = t.captureBody(r)
	}
	t.record(rec)
	return r, nil
}

// handleResponse normalizes Content-Encoding on intercepted responses so
// anything inspecting bodies downstream sees them identity-encoded.
// Encodings the decompressor does not know pass through untouched.
func (t *BeaconTap) handleResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	if resp == nil {
		if ctx == nil || ctx.Req == nil {
			return nil
		}
		msg := "upstream connection failed"
		if ctx.Error != nil {
			msg = ctx.Error.Error()
		}
		status := http.StatusBadGateway
		var netErr net.Error
		if errors.As(ctx.Error, &netErr) && netErr.Timeout() {
			status = http.StatusGatewayTimeout
		}
		t.logger.Warn("Upstream request failed.", zap.String("url", proxyRequestURL(ctx)), zap.String("error", msg))
		return goproxy.NewResponse(ctx.Req, goproxy.ContentTypeText, status, "beacon tap: "+msg)
	}

	if !canDecompress(resp) {
		return resp
	}
	if err := DecompressResponse(resp); err != nil {
		// The body is partially consumed at this point and cannot be
		// forwarded as-is.
		t.logger.Warn("Failed to decompress intercepted response.", zap.String("url", proxyRequestURL(ctx)), zap.Error(err))
		return goproxy.NewResponse(ctx.Req, goproxy.ContentTypeText, http.StatusBadGateway, "beacon tap: response decompression failed")
	}
	return resp
}

// captureBody copies a bounded request body onto the record and restores
// the stream for forwarding. Unsized and oversized bodies are skipped so
// forwarding never degrades.
func (t *BeaconTap) captureBody(r *http.Request) string {
	if r.Body == nil || r.ContentLength <= 0 || r.ContentLength > tapBodyLimit {
		return ""
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, r.ContentLength))
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	return string(data)
}

// requestURL renders the destination of a proxied request. Intercepted
// requests can arrive with a bare path, so scheme and host are filled
// back in from the tunnel.
func requestURL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	u := *r.URL
	u.Scheme = "https"
	u.Host = r.Host
	return u.String()
}

func proxyRequestURL(ctx *goproxy.ProxyCtx) string {
	if ctx != nil && ctx.Req != nil && ctx.Req.URL != nil {
		return ctx.Req.URL.String()
	}
	return "unknown"
}

// configureMITM installs the CA into goproxy and hardens the TLS configs
// it hands out for forged server certificates.
func configureMITM(caCert, caKey []byte) error {
	mitmOnce.Do(func() {
		ca, err := tls.X509KeyPair(caCert, caKey)
		if err != nil {
			mitmErr = fmt.Errorf("invalid CA certificate/key pair: %w", err)
			return
		}
		if len(ca.Certificate) == 0 {
			mitmErr = errors.New("CA certificate chain is empty")
			return
		}
		if ca.Leaf, err = x509.ParseCertificate(ca.Certificate[0]); err != nil {
			mitmErr = fmt.Errorf("parse CA certificate leaf: %w", err)
			return
		}

		goproxy.GoproxyCa = ca

		base := goproxy.TLSConfigFromCA(&ca)
		hardened := func(host string, ctx *goproxy.ProxyCtx) (*tls.Config, error) {
			tlsCfg, err := base(host, ctx)
			if err != nil {
				return nil, err
			}
			if tlsCfg.MinVersion < tls.VersionTLS12 {
				tlsCfg.MinVersion = tls.VersionTLS12
			}
			return tlsCfg, nil
		}
		goproxy.OkConnect = &goproxy.ConnectAction{Action: goproxy.ConnectAccept, TLSConfig: hardened}
		goproxy.MitmConnect = &goproxy.ConnectAction{Action: goproxy.ConnectMitm, TLSConfig: hardened}
		goproxy.HTTPMitmConnect = &goproxy.ConnectAction{Action: goproxy.ConnectHTTPMitm, TLSConfig: hardened}
		goproxy.RejectConnect = &goproxy.ConnectAction{Action: goproxy.ConnectReject, TLSConfig: hardened}

		mitmReady = true
	})
	return mitmErr
}
