package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/relaybroker/ccrelay/internal/account"
	"github.com/relaybroker/ccrelay/internal/apierr"
	"github.com/relaybroker/ccrelay/internal/constant"
	"github.com/relaybroker/ccrelay/internal/oauth"
)

// hopByHopHeaders are stripped from the headers copied off the inbound
// request before it is sent upstream, per RFC 7230 §6.1.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Target describes where to send the relayed request.
type Target struct {
	BaseURL string
	Path    string
	Account account.Snapshot
	Format  string // constant.FormatAnthropic | FormatOpenAI | FormatGemini
}

// Credential supplies the outbound bearer token or API key for an account,
// refreshing OAuth tokens transparently.
type Credential interface {
	EnsureFresh(ctx context.Context, accountID string) (string, error)
}

// staticCredential always returns the same token, used for console/API-key
// accounts that never expire.
type staticCredential string

func (s staticCredential) EnsureFresh(context.Context, string) (string, error) { return string(s), nil }

// StaticCredential wraps a fixed token as a Credential.
func StaticCredential(token string) Credential { return staticCredential(token) }

var _ Credential = (*oauth.Manager)(nil)

// Result is what the Engine hands back to the HTTP handler.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Usage      Usage
	Streaming  bool
}

// Engine is the Streaming Relay Engine: it owns per-account outbound
// transports and performs credential injection, dispatch, and usage
// extraction for every proxied request.
type Engine struct {
	transports     *transportCache
	credentials    Credential
	requestTimeout time.Duration
	streamTimeout  time.Duration
	idleTimeout    time.Duration
}

// New constructs an Engine. credentials resolves the live bearer token for
// an account (normally the OAuth manager); requestTimeout bounds
// non-streaming calls, streamTimeout bounds time-to-first-byte on streaming
// calls, idleTimeout bounds the gap between any two reads of a streaming
// body once it has started (a stalled upstream stops sending bytes but
// never closes the connection).
func New(credentials Credential, requestTimeout, streamTimeout, idleTimeout time.Duration) *Engine {
	return &Engine{
		transports:     newTransportCache(),
		credentials:    credentials,
		requestTimeout: requestTimeout,
		streamTimeout:  streamTimeout,
		idleTimeout:    idleTimeout,
	}
}

// Forward rewrites and dispatches inbound to the target account, returning
// the full result. For streaming requests, the caller should instead use
// ForwardStreaming to relay bytes as they arrive.
func (e *Engine) Forward(ctx context.Context, target Target, inbound *http.Request, body []byte) (*Result, error) {
	outbound, err := e.buildOutbound(ctx, target, inbound, body)
	if err != nil {
		return nil, err
	}

	client := e.transports.clientFor(target.Account.OutboundProxy, e.requestTimeout)
	resp, err := client.Do(outbound)
	if err != nil {
		return nil, fmt.Errorf("relay: dispatch to %s failed: %w", target.BaseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("relay: read upstream body: %w", err)
	}

	result := &Result{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}
	if resp.StatusCode < 300 {
		result.Usage = ParseUsage(target.Format, data)
	}
	return result, nil
}

// ForwardStreaming dispatches a streaming request and invokes onChunk for
// every line of the upstream SSE body as it is read, returning the usage
// observed at the tail of the stream once the body closes.
func (e *Engine) ForwardStreaming(ctx context.Context, target Target, inbound *http.Request, body []byte, onChunk func(line []byte)) (*Result, error) {
	outbound, err := e.buildOutbound(ctx, target, inbound, body)
	if err != nil {
		return nil, err
	}

	// Streaming responses can run far longer than a single request should
	// be allowed to sit idle waiting for the first byte, so streamTimeout
	// bounds only time-to-first-byte: the timer is disarmed the instant
	// headers arrive, and idleTimeoutReader takes over dialCtx from there,
	// re-arming on every read so a stalled-but-open connection still gets
	// torn down.
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ttfb := time.AfterFunc(e.streamTimeout, cancel)
	outbound = outbound.WithContext(dialCtx)

	client := e.transports.clientFor(target.Account.OutboundProxy, 0)
	resp, err := client.Do(outbound)
	ttfb.Stop()
	if err != nil {
		return nil, fmt.Errorf("relay: streaming dispatch to %s failed: %w", target.BaseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return &Result{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
	}

	idleBody := newIdleTimeoutReader(resp.Body, cancel, e.idleTimeout)
	defer idleBody.Stop()

	usage := ScanSSEStream(idleBody, target.Format, onChunk)
	if idleBody.Err() != nil {
		return nil, fmt.Errorf("relay: read streaming body: %w", idleBody.Err())
	}

	return &Result{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Usage:      usage,
		Streaming:  true,
	}, nil
}

// idleTimeoutReader wraps an upstream streaming body and resets a deadline
// timer on every successful Read, so a connection that goes quiet mid-stream
// (without closing) still gets torn down instead of hanging forever. cancel
// is the request's own dialCtx cancellation, which unblocks the in-flight
// Read on resp.Body; it does not bound total stream duration, only the gap
// between consecutive reads.
type idleTimeoutReader struct {
	r       io.Reader
	timer   *time.Timer
	cancel  context.CancelFunc
	timeout time.Duration
	err     error
}

func newIdleTimeoutReader(r io.Reader, cancel context.CancelFunc, timeout time.Duration) *idleTimeoutReader {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ir := &idleTimeoutReader{r: r, cancel: cancel, timeout: timeout}
	ir.timer = time.AfterFunc(timeout, func() {
		ir.err = fmt.Errorf("relay: stream idle for longer than %s", timeout)
		cancel()
	})
	return ir
}

func (ir *idleTimeoutReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 {
		ir.timer.Reset(ir.timeout)
	}
	if err != nil && err != io.EOF && ir.err == nil {
		ir.err = err
	}
	return n, err
}

func (ir *idleTimeoutReader) Err() error {
	if ir.err != nil {
		return ir.err
	}
	return nil
}

func (ir *idleTimeoutReader) Stop() {
	ir.timer.Stop()
	ir.cancel()
}

func (e *Engine) buildOutbound(ctx context.Context, target Target, inbound *http.Request, body []byte) (*http.Request, error) {
	token, err := e.credentials.EnsureFresh(ctx, target.Account.ID)
	if err != nil {
		return nil, fmt.Errorf("relay: resolve credential for %q: %w", target.Account.ID, err)
	}

	url := strings.TrimRight(target.BaseURL, "/") + target.Path
	outbound, err := http.NewRequestWithContext(ctx, inbound.Method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("relay: build outbound request: %w", err)
	}

	outbound.Header = inbound.Header.Clone()
	stripHopByHop(outbound.Header)
	outbound.Header.Del("Host")
	outbound.Header.Del("Authorization")
	outbound.Header.Del("X-Api-Key")

	switch target.Account.Provider {
	case constant.ProviderClaudeOAuth:
		outbound.Header.Set("Authorization", "Bearer "+token)
		if outbound.Header.Get("anthropic-version") == "" {
			outbound.Header.Set("anthropic-version", "2023-06-01")
		}
	case constant.ProviderClaudeConsole:
		outbound.Header.Set("X-Api-Key", token)
		if outbound.Header.Get("anthropic-version") == "" {
			outbound.Header.Set("anthropic-version", "2023-06-01")
		}
	case constant.ProviderGemini, constant.ProviderBedrock:
		outbound.Header.Set("Authorization", "Bearer "+token)
	}

	return outbound, nil
}

func stripHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// ClassifyUpstreamError maps an upstream HTTP status to the broker's error
// taxonomy so the handler layer can report a consistent client-facing
// error and trigger the right account-state transition (spec §4.4).
func ClassifyUpstreamError(status int) apierr.Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apierr.KindUpstreamUnauthorized
	case status == http.StatusTooManyRequests:
		return apierr.KindUpstreamRateLimited
	case status >= 500:
		return apierr.KindUpstreamError
	default:
		return apierr.KindUpstreamError
	}
}
