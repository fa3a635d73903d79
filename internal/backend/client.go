// Package backend implements api.Backend over the sandbox signup HTTP API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/sandboxctl/pkg/api"
)

const (
	defaultTimeout          = 30 * time.Second
	defaultMaxResponseBytes = 1 << 20 // 1 MiB
	defaultUserAgent        = "sandboxctl"
)

// Reasons reported by the signup API for accounts that can never become
// ready.
var terminalReasons = map[string]bool{
	"banned":      true,
	"deactivated": true,
	"rejected":    true,
}

// HTTPDoer is the subset of *http.Client the client needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to the signup API on behalf of one identity token.
type Client struct {
	base      *url.URL
	token     string
	doer      HTTPDoer
	routes    Routes
	userAgent string
	maxBody   int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(doer HTTPDoer) Option {
	return func(c *Client) {
		if doer != nil {
			c.doer = doer
		}
	}
}

// WithRoutes replaces DefaultRoutes.
func WithRoutes(r Routes) Option {
	return func(c *Client) { c.routes = r }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithMaxResponseBytes caps how much of a response body is read.
func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

// New creates a Client for the API rooted at baseURL.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("backend: invalid base url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("backend: base url %q must be absolute", baseURL)
	}
	if strings.TrimSpace(token) == "" {
		return nil, api.ErrMissingToken
	}
	c := &Client{
		base:      u,
		token:     token,
		doer:      &http.Client{Timeout: defaultTimeout},
		routes:    DefaultRoutes(),
		userAgent: defaultUserAgent,
		maxBody:   defaultMaxResponseBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var _ api.Backend = (*Client)(nil)

// signupResponse is the body of a successful status call.
type signupResponse struct {
	Status struct {
		Ready                bool   `json:"ready"`
		Reason               string `json:"reason"`
		VerificationRequired bool   `json:"verificationRequired"`
	} `json:"status"`
	Username          string `json:"username"`
	CompliantUsername string `json:"compliantUsername"`
	ConsoleURL        string `json:"consoleURL"`
	CheDashboardURL   string `json:"cheDashboardURL"`
	APIEndpoint       string `json:"apiEndpoint"`
	ClusterName       string `json:"clusterName"`
}

type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Details string `json:"details"`
}

type verificationRequest struct {
	CountryCode string `json:"country_code"`
	PhoneNumber string `json:"phone_number"`
}

type confirmRequest struct {
	Code string `json:"code"`
}

func (c *Client) Status(ctx context.Context) (api.StatusReport, error) {
	return c.status(ctx, api.OpStatus, c.routes.Status)
}

func (c *Client) PollProvisioning(ctx context.Context) (api.StatusReport, error) {
	return c.status(ctx, api.OpPollProvisioning, c.routes.Poll)
}

// SignUp creates the account. A 409 means the account already exists,
// e.g. from an earlier or concurrent sign-up, and counts as success; the
// engine re-reads the status right after.
func (c *Client) SignUp(ctx context.Context) error {
	_, err := c.do(ctx, api.OpSignUp, c.routes.SignUp, "", nil)
	var apiErr *api.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		return nil
	}
	return err
}

func (c *Client) StartVerification(ctx context.Context, countryCode, phoneNumber string) error {
	_, err := c.do(ctx, api.OpStartVerification, c.routes.StartVerification, "",
		verificationRequest{CountryCode: countryCode, PhoneNumber: phoneNumber})
	return err
}

func (c *Client) ConfirmVerification(ctx context.Context, code string) error {
	route := c.routes.ConfirmVerification
	if route.carriesCode() {
		_, err := c.do(ctx, api.OpConfirmVerification, route, code, nil)
		return err
	}
	_, err := c.do(ctx, api.OpConfirmVerification, route, "", confirmRequest{Code: code})
	return err
}

func (c *Client) status(ctx context.Context, op api.Operation, route Route) (api.StatusReport, error) {
	res, err := c.do(ctx, op, route, "", nil)
	if err != nil {
		return api.StatusReport{}, err
	}
	if res.status == http.StatusNotFound {
		return api.StatusReport{Status: api.AccountNoAccount}, nil
	}

	var body signupResponse
	if err := json.Unmarshal(res.body, &body); err != nil {
		return api.StatusReport{}, api.NewError(api.KindFatal, op, "malformed status response").
			WithStatus(res.status).WithCause(err)
	}
	return reportFrom(body), nil
}

func reportFrom(body signupResponse) api.StatusReport {
	reason := body.Status.Reason
	switch {
	case terminalReasons[strings.ToLower(reason)]:
		return api.StatusReport{Status: api.AccountFailed, Reason: reason}
	case body.Status.Ready:
		return api.StatusReport{
			Status: api.AccountReady,
			Reason: reason,
			Account: &api.Account{
				Username:          body.Username,
				CompliantUsername: body.CompliantUsername,
				ConsoleURL:        body.ConsoleURL,
				CheDashboardURL:   body.CheDashboardURL,
				APIEndpoint:       body.APIEndpoint,
				ClusterName:       body.ClusterName,
			},
		}
	case body.Status.VerificationRequired:
		return api.StatusReport{Status: api.AccountVerificationRequired, Reason: reason}
	default:
		return api.StatusReport{Status: api.AccountProvisioning, Reason: reason}
	}
}

type response struct {
	status int
	body   []byte
}

// do performs one request and classifies any failure. A 404 from a status
// route is returned as a response, not an error.
func (c *Client) do(ctx context.Context, op api.Operation, route Route, code string, payload any) (response, error) {
	path := route.Path
	if code != "" {
		path = route.expand(code)
	}
	target := c.base.JoinPath(path)

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return response{}, api.NewError(api.KindFatal, op, "encode request").WithCause(err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, route.Method, target.String(), body)
	if err != nil {
		return response{}, api.NewError(api.KindFatal, op, "create request").WithCause(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.doer.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return response{}, ctxErr
		}
		return response{}, api.NewError(api.KindTransient, op, "request failed").WithCause(err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, c.maxBody+1))
	if err != nil {
		return response{}, api.NewError(api.KindTransient, op, "read response").
			WithStatus(res.StatusCode).WithCause(err)
	}
	if int64(len(raw)) > c.maxBody {
		return response{}, api.NewError(api.KindFatal, op,
			fmt.Sprintf("response body exceeds limit of %d bytes", c.maxBody)).WithStatus(res.StatusCode)
	}

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return response{status: res.StatusCode, body: raw}, nil
	}
	if res.StatusCode == http.StatusNotFound && route.Method == http.MethodGet && !route.carriesCode() {
		return response{status: res.StatusCode}, nil
	}
	return response{}, classify(op, res, raw)
}

func classify(op api.Operation, res *http.Response, body []byte) error {
	code := res.StatusCode
	msg := messageOf(body, code)

	switch {
	case code == http.StatusUnauthorized:
		return api.NewError(api.KindAuthExpired, op, msg).WithStatus(code)
	case code == http.StatusTooManyRequests || code >= 500:
		return api.NewError(api.KindTransient, op, msg).
			WithStatus(code).
			WithRetryAfter(parseRetryAfter(res.Header.Get("Retry-After"), time.Now()))
	case code == http.StatusConflict && op == api.OpStartVerification:
		return api.NewError(api.KindValidationRejected, op, msg).
			WithStatus(code).WithCause(api.ErrAlreadyVerified)
	case fieldBearing(op) && (code == http.StatusBadRequest || code == http.StatusForbidden ||
		code == http.StatusUnprocessableEntity || code == http.StatusNotFound):
		return api.NewError(api.KindValidationRejected, op, msg).WithStatus(code)
	default:
		return api.NewError(api.KindFatal, op, msg).WithStatus(code)
	}
}

func fieldBearing(op api.Operation) bool {
	return op == api.OpStartVerification || op == api.OpConfirmVerification
}

func messageOf(body []byte, code int) string {
	var e errorResponse
	if err := json.Unmarshal(body, &e); err == nil {
		for _, m := range []string{e.Message, e.Details, e.Error} {
			if m = strings.TrimSpace(m); m != "" {
				return m
			}
		}
	}
	return fmt.Sprintf("unexpected response %d %s", code, http.StatusText(code))
}

// parseRetryAfter accepts delay-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
