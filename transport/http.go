package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/quayside/go-auth-session/session"
)

// Identity service routes.
const (
	routeSignInEmailPassword   = "/signin/email-password"
	routeSignInPAT             = "/signin/pat"
	routeSignInMfaTotp         = "/signin/mfa/totp"
	routeSignUpEmailPassword   = "/signup/email-password"
	routeToken                 = "/token"
	routeTokenRevoke           = "/token/revoke"
	routeElevatePrefix         = "/user/elevate/"
	routeSendVerificationEmail = "/user/email/send-verification-email"
	routeChangeEmail           = "/user/email/change"
	routeChangePassword        = "/user/password"
)

const defaultRequestTimeout = 15 * time.Second

// HTTPClient is the production Client implementation over net/http.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	logger     zerolog.Logger
}

var _ Client = (*HTTPClient)(nil)

// HTTPClientOption configures an HTTPClient.
type HTTPClientOption func(*HTTPClient)

// WithHTTPClient substitutes the underlying http.Client.
func WithHTTPClient(hc *http.Client) HTTPClientOption {
	return func(c *HTTPClient) { c.httpClient = hc }
}

// WithTimeout sets the per-request deadline applied when the caller's
// context has none.
func WithTimeout(d time.Duration) HTTPClientOption {
	return func(c *HTTPClient) { c.timeout = d }
}

// WithLogger attaches a logger; requests and normalized failures are logged
// at debug level.
func WithLogger(logger zerolog.Logger) HTTPClientOption {
	return func(c *HTTPClient) { c.logger = logger }
}

// NewHTTPClient creates a Client for the identity service at baseURL.
func NewHTTPClient(baseURL string, options ...HTTPClientOption) (*HTTPClient, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("[NewHTTPClient] baseURL is required")
	}
	c := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    defaultRequestTimeout,
		logger:     zerolog.Nop(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// sessionEnvelope matches responses that nest the session next to an
// optional MFA challenge.
type sessionEnvelope struct {
	Session *session.Persisted `json:"session"`
	MFA     *MFAChallenge      `json:"mfa"`
}

func (c *HTTPClient) SignInEmailPassword(ctx context.Context, email, password string) (*SignInResult, *Error) {
	var out sessionEnvelope
	body := map[string]string{"email": email, "password": password}
	if err := c.post(ctx, routeSignInEmailPassword, "", body, &out); err != nil {
		return nil, err
	}
	return &SignInResult{Session: out.Session, MFA: out.MFA}, nil
}

func (c *HTTPClient) SignInPAT(ctx context.Context, personalAccessToken string) (*session.Persisted, *Error) {
	var out sessionEnvelope
	body := map[string]string{"personalAccessToken": personalAccessToken}
	if err := c.post(ctx, routeSignInPAT, "", body, &out); err != nil {
		return nil, err
	}
	if out.Session != nil {
		// The server does not echo the PAT nature of the credential; the
		// client knows because it chose this sign-in method.
		out.Session.PersonalAccessToken = true
		out.Session.RefreshToken = personalAccessToken
	}
	return out.Session, nil
}

func (c *HTTPClient) SignInMfaTotp(ctx context.Context, ticket, otp string) (*session.Persisted, *Error) {
	var out sessionEnvelope
	body := map[string]string{"ticket": ticket, "otp": otp}
	if err := c.post(ctx, routeSignInMfaTotp, "", body, &out); err != nil {
		return nil, err
	}
	return out.Session, nil
}

func (c *HTTPClient) SignUpEmailPassword(ctx context.Context, email, password string, options *SignUpOptions) (*session.Persisted, *Error) {
	var out sessionEnvelope
	body := map[string]any{"email": email, "password": password}
	if options != nil {
		body["options"] = options
	}
	if err := c.post(ctx, routeSignUpEmailPassword, "", body, &out); err != nil {
		return nil, err
	}
	return out.Session, nil
}

func (c *HTTPClient) RefreshToken(ctx context.Context, refreshToken string) (*session.Persisted, *Error) {
	// The token endpoint returns the session object unnested.
	var out session.Persisted
	body := map[string]string{"refreshToken": refreshToken}
	if err := c.post(ctx, routeToken, "", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) SignOut(ctx context.Context, accessToken, refreshToken string, all bool) *Error {
	body := map[string]any{"refreshToken": refreshToken, "all": all}
	return c.post(ctx, routeTokenRevoke, accessToken, body, nil)
}

func (c *HTTPClient) Elevate(ctx context.Context, accessToken string, method ElevationMethod) (*session.Persisted, *Error) {
	var out sessionEnvelope
	if err := c.post(ctx, routeElevatePrefix+string(method), accessToken, map[string]string{}, &out); err != nil {
		return nil, err
	}
	return out.Session, nil
}

func (c *HTTPClient) SendVerificationEmail(ctx context.Context, email string) *Error {
	return c.post(ctx, routeSendVerificationEmail, "", map[string]string{"email": email}, nil)
}

func (c *HTTPClient) ChangeEmail(ctx context.Context, accessToken, newEmail string) *Error {
	return c.post(ctx, routeChangeEmail, accessToken, map[string]string{"newEmail": newEmail}, nil)
}

func (c *HTTPClient) ChangePassword(ctx context.Context, accessToken, newPassword string) *Error {
	return c.post(ctx, routeChangePassword, accessToken, map[string]string{"newPassword": newPassword}, nil)
}

// post performs one JSON request/response exchange and normalizes the
// outcome. out may be nil for operations whose success carries no payload.
func (c *HTTPClient) post(ctx context.Context, route, bearer string, body any, out any) *Error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return &Error{Kind: KindValidation, Slug: "invalid-request", Message: errors.Wrap(err, "[post] marshal request").Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+route, bytes.NewReader(payload))
	if err != nil {
		return &Error{Kind: KindValidation, Slug: "invalid-request", Message: errors.Wrap(err, "[post] build request").Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug().Str("route", route).Err(err).Msg("identity request failed before a response arrived")
		return NetworkError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return NetworkError(errors.Wrap(err, "[post] read response"))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			c.logger.Debug().Str("route", route).Err(err).Msg("identity response body undecodable")
			return NetworkError(errors.Wrap(err, "[post] decode response"))
		}
		return nil
	}

	return c.normalizeFailure(route, resp.StatusCode, raw)
}

// normalizeFailure maps a non-2xx response onto the error taxonomy:
// a well-formed {status, error, message} body keeps its slug, a 401 becomes
// KindUnauthenticated, and anything unreadable from a 5xx counts as a
// network-class failure so callers retry instead of giving up.
func (c *HTTPClient) normalizeFailure(route string, status int, raw []byte) *Error {
	var apiErr Error
	decodable := json.Unmarshal(raw, &apiErr) == nil && apiErr.Slug != ""

	if !decodable {
		if status >= 500 {
			return &Error{Kind: KindNetwork, Status: status, Slug: SlugNetworkFailure, Message: http.StatusText(status)}
		}
		apiErr = Error{Slug: "unknown-error", Message: http.StatusText(status)}
	}

	apiErr.Status = status
	if status == http.StatusUnauthorized {
		apiErr.Kind = KindUnauthenticated
	} else {
		apiErr.Kind = KindApplication
	}

	c.logger.Debug().
		Str("route", route).
		Int("status", status).
		Str("slug", apiErr.Slug).
		Msg("identity request rejected")
	return &apiErr
}
