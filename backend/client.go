// Package backend is the HTTP client for the match-analysis upstream. It
// fetches fixture lists and match details, classifies failures, and holds
// no cache state.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ddevcap/matchsync/config"
	"github.com/ddevcap/matchsync/match"
	"github.com/gabriel-vasile/mimetype"
)

// maxBodySize caps how much of an upstream response is buffered (8 MiB).
const maxBodySize = 8 << 20

// errRequestTimeout is the cancellation cause attached to the per-request
// timer, so an expired budget can be told apart from a caller cancellation.
var errRequestTimeout = errors.New("request budget exceeded")

// DetailResponse holds exactly one of Detail (HTTP 200) or Pending (HTTP 202).
type DetailResponse struct {
	Detail  *match.Detail
	Pending *match.PendingJob
}

// Client talks to one upstream. A single Client is created at startup and
// shared by every component.
type Client struct {
	baseURL        string
	locale         string
	listTimeout    time.Duration
	detailTimeout  time.Duration
	triggerTimeout time.Duration
	http           *http.Client
	health         *HealthChecker
}

func NewClient(cfg config.Config) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
		MaxIdleConnsPerHost: 10,
	}
	return &Client{
		baseURL:        strings.TrimRight(cfg.UpstreamURL, "/"),
		locale:         cfg.UpstreamLocale,
		listTimeout:    orDefault(cfg.ListTimeout, 20*time.Second),
		detailTimeout:  orDefault(cfg.DetailTimeout, 8*time.Second),
		triggerTimeout: orDefault(cfg.TriggerTimeout, 10*time.Second),
		// No client-level timeout: every request carries its own budget
		// through requestContext.
		http: &http.Client{Transport: transport},
	}
}

// SetHealthChecker attaches a health checker that is told about live
// request outcomes. Must be called before the client serves requests.
func (c *Client) SetHealthChecker(hc *HealthChecker) {
	c.health = hc
}

// BaseURL returns the upstream base URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// FetchList loads the fixture list for view.
func (c *Client) FetchList(ctx context.Context, view match.ViewKey) (*match.ListResource, error) {
	const op = "fetch list"
	q := url.Values{"view": {string(view)}}
	if c.locale != "" {
		q.Set("locale", c.locale)
	}

	raw, resp, err := c.get(ctx, op, "/api/matches", q, c.listTimeout)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, upstreamError(op, resp.StatusCode, raw)
	}

	var list match.ListResource
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, &FetchError{Kind: KindUpstream, Op: op, Message: "the match server sent an unreadable list", Err: err}
	}
	if list.View == "" {
		list.View = view
	}
	return &list, nil
}

// FetchDetail loads the analysis of one match. A 202 answer is not an
// error: it yields a PendingJob describing the queued analysis.
func (c *Client) FetchDetail(ctx context.Context, id match.ItemID, hints match.DetailHints) (DetailResponse, error) {
	const op = "fetch detail"
	q := url.Values{}
	if hints.Date != "" {
		q.Set("date", hints.Date)
	}
	if hints.View != "" {
		q.Set("view", string(hints.View))
	}

	raw, resp, err := c.get(ctx, op, "/api/match/"+id.String(), q, c.detailTimeout)
	if err != nil {
		return DetailResponse{}, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		d, err := match.ParseDetail(raw, id)
		if err != nil {
			return DetailResponse{}, &FetchError{Kind: KindUpstream, Op: op, Message: "the match server sent an unreadable analysis", Err: err}
		}
		return DetailResponse{Detail: d}, nil
	case http.StatusAccepted:
		return DetailResponse{Pending: parsePending(raw, resp.Header, id)}, nil
	}
	return DetailResponse{}, upstreamError(op, resp.StatusCode, raw)
}

// TriggerReanalysis forwards a recomputation request to the upstream.
func (c *Client) TriggerReanalysis(ctx context.Context, id match.ItemID) error {
	const op = "trigger reanalysis"
	raw, resp, err := c.do(ctx, op, http.MethodPost, "/api/match/"+id.String()+"/reanalyze", nil, c.triggerTimeout)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return upstreamError(op, resp.StatusCode, raw)
	}
	return nil
}

func (c *Client) get(ctx context.Context, op, path string, query url.Values, timeout time.Duration) ([]byte, *http.Response, error) {
	return c.do(ctx, op, http.MethodGet, path, query, timeout)
}

// do performs one request under its own budget and returns the buffered
// body. Only transport failures are returned as errors; status codes are
// left to the caller.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, timeout time.Duration) ([]byte, *http.Response, error) {
	reqCtx, cancel := requestContext(ctx, timeout)
	defer cancel()

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("building upstream request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		fe := c.classify(op, reqCtx, ctx, err, timeout)
		c.recordFailure(fe)
		return nil, nil, fe
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		fe := c.classify(op, reqCtx, ctx, err, timeout)
		c.recordFailure(fe)
		return nil, nil, fe
	}
	if c.health != nil {
		c.health.RecordRequestSuccess()
	}
	return raw, resp, nil
}

// requestContext combines the caller's cancellation with a request budget.
// Whichever fires first aborts the transport call; the returned cancel stops
// the timer and detaches from the parent, so nothing outlives the request.
func requestContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeoutCause(parent, timeout, errRequestTimeout)
}

func (c *Client) classify(op string, reqCtx, callerCtx context.Context, err error, timeout time.Duration) *FetchError {
	switch {
	case errors.Is(context.Cause(reqCtx), errRequestTimeout):
		return timeoutError(op, timeout, err)
	case callerCtx.Err() != nil:
		return &FetchError{Kind: KindCanceled, Op: op, Message: "request canceled", Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return timeoutError(op, timeout, err)
	}
	host := c.baseURL
	if u, perr := url.Parse(c.baseURL); perr == nil && u.Host != "" {
		host = u.Host
	}
	return &FetchError{
		Kind:    KindNetwork,
		Op:      op,
		Message: fmt.Sprintf("cannot reach the match server at %s; check your connection and that the host is reachable", host),
		Err:     err,
	}
}

func timeoutError(op string, timeout time.Duration, err error) *FetchError {
	return &FetchError{
		Kind:    KindTimeout,
		Op:      op,
		Message: fmt.Sprintf("the match server did not answer within %s; it may be busy, try again shortly", timeout),
		Err:     err,
	}
}

func (c *Client) recordFailure(fe *FetchError) {
	if c.health == nil || fe.Kind == KindCanceled {
		return
	}
	c.health.RecordRequestFailure()
}

// upstreamError builds a KindUpstream error, taking the message from the body
// when it is JSON ("error" or "message" field) or plain text. HTML error
// pages from intermediaries fall back to the status text.
func upstreamError(op string, status int, body []byte) *FetchError {
	return &FetchError{Kind: KindUpstream, Op: op, Status: status, Message: bodyMessage(status, body)}
}

func bodyMessage(status int, body []byte) string {
	fallback := http.StatusText(status)
	if fallback == "" {
		fallback = "unexpected response"
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return fallback
	}
	mt := mimetype.Detect(body)
	switch {
	case mt.Is("application/json"):
		var m struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(body, &m); err == nil {
			if m.Error != "" {
				return m.Error
			}
			if m.Message != "" {
				return m.Message
			}
		}
	case mt.Is("text/plain"):
		s := string(body)
		if len(s) > 200 {
			s = s[:200]
		}
		return s
	}
	return fallback
}

// parsePending decodes a 202 body. Missing fields are filled from the
// request so callers always get a usable ticket.
func parsePending(body []byte, h http.Header, id match.ItemID) *match.PendingJob {
	p := &match.PendingJob{}
	_ = json.Unmarshal(body, p) // a bare 202 is still a pending answer
	if p.MatchID == 0 {
		p.MatchID = id
	}
	if p.Status == "" {
		p.Status = match.JobPending
	}
	p.RetryAfter = parseRetryAfter(h.Get("Retry-After"), time.Now())
	return p
}

// parseRetryAfter reads delay-seconds or an HTTP date. Zero means absent.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
