package credential

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/browser"
	"golang.org/x/oauth2"
)

const callbackPath = "/callback"

// KeycloakEndpoint returns the OpenID Connect endpoints of a Keycloak realm.
func KeycloakEndpoint(serverURL, realm string) oauth2.Endpoint {
	base := strings.TrimRight(serverURL, "/") + "/realms/" + realm + "/protocol/openid-connect"
	return oauth2.Endpoint{
		AuthURL:   base + "/auth",
		TokenURL:  base + "/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
}

// BrowserSource signs the user in through their web browser using the
// authorization code flow with PKCE, receiving the redirect on a loopback
// listener.
type BrowserSource struct {
	// Config describes the public OAuth2 client. RedirectURL is overwritten
	// with the loopback callback address.
	Config oauth2.Config

	// Port is the loopback port to listen on; 0 picks a free port.
	Port int

	// Timeout bounds how long the user has to complete the login.
	Timeout time.Duration

	// Open launches the login page. Defaults to the system browser.
	Open func(url string) error

	Logger *slog.Logger
}

// NewBrowserSource creates a BrowserSource for a public client.
func NewBrowserSource(endpoint oauth2.Endpoint, clientID string, scopes []string, port int) *BrowserSource {
	return &BrowserSource{
		Config: oauth2.Config{
			ClientID: clientID,
			Endpoint: endpoint,
			Scopes:   scopes,
		},
		Port:    port,
		Timeout: 5 * time.Minute,
		Open:    browser.OpenURL,
	}
}

type callbackResult struct {
	code string
	err  error
}

// Token runs one interactive login and returns the id_token of the
// resulting token response.
func (b *BrowserSource) Token(ctx context.Context) (Token, error) {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	open := b.Open
	if open == nil {
		open = browser.OpenURL
	}
	if b.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", b.Port))
	if err != nil {
		return Token{}, fmt.Errorf("credential: listen for callback: %w", err)
	}

	cfg := b.Config
	cfg.RedirectURL = fmt.Sprintf("http://%s%s", ln.Addr().String(), callbackPath)

	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()

	results := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		res := readCallback(r, state)
		if res.err != nil {
			http.Error(w, html.EscapeString(res.err.Error()), http.StatusBadRequest)
		} else {
			_, _ = fmt.Fprint(w, "<html><body>Login complete. You can close this window.</body></html>")
		}
		select {
		case results <- res:
		default:
		}
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("callback server stopped", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	authURL := cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
	logger.Info("opening browser for sign-in", slog.String("redirect_uri", cfg.RedirectURL))
	if err := open(authURL); err != nil {
		return Token{}, fmt.Errorf("credential: open browser: %w", err)
	}

	var res callbackResult
	select {
	case <-ctx.Done():
		return Token{}, fmt.Errorf("credential: waiting for login: %w", ctx.Err())
	case res = <-results:
	}
	if res.err != nil {
		return Token{}, res.err
	}

	tok, err := cfg.Exchange(ctx, res.code, oauth2.VerifierOption(verifier))
	if err != nil {
		return Token{}, fmt.Errorf("credential: exchange code: %w", err)
	}
	idToken, _ := tok.Extra("id_token").(string)
	if idToken == "" {
		return Token{}, ErrNoIDToken
	}
	out := Token{IDToken: idToken}
	if exp, ok := Expiry(idToken); ok {
		out.Expiry = exp
	} else {
		out.Expiry = tok.Expiry
	}
	return out, nil
}

func readCallback(r *http.Request, state string) callbackResult {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		if d := q.Get("error_description"); d != "" {
			e += ": " + d
		}
		return callbackResult{err: fmt.Errorf("credential: authorization failed: %s", e)}
	}
	if q.Get("state") != state {
		return callbackResult{err: errors.New("credential: callback state mismatch")}
	}
	code := q.Get("code")
	if code == "" {
		return callbackResult{err: errors.New("credential: callback has no code")}
	}
	return callbackResult{code: code}
}
