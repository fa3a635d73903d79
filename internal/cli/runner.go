// Package cli implements the sandboxctl command.
package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/jessevdk/go-flags"
	_ "modernc.org/sqlite"

	"github.com/petrijr/sandboxctl"
	"github.com/petrijr/sandboxctl/internal/config"
	"github.com/petrijr/sandboxctl/pkg/credential"
)

// Run parses args and provisions a sandbox account interactively on the
// process's standard streams.
func Run(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return RunContext(ctx, args, os.Stdin, os.Stdout, os.Stderr)
}

// RunContext is Run with explicit streams. Prompts and the final report go
// to stdout, logs to stderr.
func RunContext(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	options := &Options{}
	parser := flags.NewParser(options, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "sandboxctl"
	if _, err := parser.ParseArgs(args); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			fmt.Fprintln(stdout, ferr.Message)
			return nil
		}
		return err
	}

	cfg, err := loadConfig(options)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, cfg)

	store, closeStore, err := openHistory(cfg.History.DBPath)
	if err != nil {
		return err
	}
	defer closeStore()

	if options.History != "" {
		return printHistory(ctx, stdout, store, options.History)
	}

	app := &app{
		cfg:      cfg,
		options:  options,
		logger:   logger,
		store:    store,
		source:   tokenSource(cfg, options, logger),
		prompter: newTerminalPrompter(stdin, stdout),
	}
	res, err := app.provision(ctx)
	if err != nil {
		return err
	}
	printAccount(stdout, res)
	return nil
}

func loadConfig(options *Options) (*config.Config, error) {
	cfg, err := config.Load(options.ConfigFile)
	if err != nil {
		return nil, err
	}
	if options.APIURL != "" {
		cfg.API.URL = options.APIURL
	}
	if options.HistoryDB != "" {
		cfg.History.DBPath = options.HistoryDB
	}
	if options.LogLevel != "" {
		cfg.Log.Level = options.LogLevel
	}
	if options.LogFormat != "" {
		cfg.Log.Format = options.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel()}
	if strings.EqualFold(cfg.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openHistory returns a SQLite-backed store when path is set and an
// in-memory one otherwise.
func openHistory(path string) (sandboxctl.EventStore, func(), error) {
	if path == "" {
		return sandboxctl.NewInMemoryEventStore(), func() {}, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("history: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	store, err := sandboxctl.NewSQLiteEventStore(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("history: %w", err)
	}
	return store, func() { _ = db.Close() }, nil
}

func tokenSource(cfg *config.Config, options *Options, logger *slog.Logger) credential.Source {
	if options.Token != "" {
		return credential.NewStaticSource(options.Token)
	}
	browser := credential.NewBrowserSource(
		credential.KeycloakEndpoint(cfg.SSO.AuthServerURL, cfg.SSO.Realm),
		cfg.SSO.ClientID,
		cfg.SSO.Scopes,
		cfg.SSO.RedirectPort,
	)
	browser.Logger = logger
	if options.NoCache || cfg.Token.CachePath == "" {
		return browser
	}
	return credential.NewCachedSource(cfg.Token.CachePath, browser)
}

// app holds what one provisioning run needs.
type app struct {
	cfg      *config.Config
	options  *Options
	logger   *slog.Logger
	store    sandboxctl.EventStore
	source   credential.Source
	prompter sandboxctl.Prompter
	doer     sandboxctl.HTTPDoer
}

// provision runs a session to completion. A session that fails with an
// expired token is restarted once with a fresh token when the source can
// drop its cached one.
func (a *app) provision(ctx context.Context) (sandboxctl.Result, error) {
	initial := sandboxctl.NewFields(map[sandboxctl.Field]string{
		sandboxctl.FieldCountryCode: a.options.CountryCode,
		sandboxctl.FieldPhoneNumber: a.options.PhoneNumber,
	})

	for attempt := 1; ; attempt++ {
		res, err := a.runSession(ctx, initial)
		if err == nil || !errors.Is(err, sandboxctl.ErrAuthExpired) || attempt > 1 {
			return res, err
		}
		inv, ok := a.source.(credential.Invalidator)
		if !ok {
			return res, err
		}
		a.logger.InfoContext(ctx, "identity token rejected; signing in again")
		if ierr := inv.Invalidate(); ierr != nil {
			return res, errors.Join(err, ierr)
		}
	}
}

func (a *app) runSession(ctx context.Context, initial sandboxctl.Fields) (sandboxctl.Result, error) {
	tok, err := a.source.Token(ctx)
	if err != nil {
		return sandboxctl.Result{}, fmt.Errorf("sign in: %w", err)
	}

	doer := a.doer
	if doer == nil {
		doer = &http.Client{Timeout: a.cfg.API.Timeout}
	}
	metrics := &sandboxctl.BasicMetrics{}
	opts := []sandboxctl.Option{
		sandboxctl.WithHTTPClient(doer),
		sandboxctl.WithRoutes(a.cfg.Routes()),
		sandboxctl.WithRetryPolicy(a.cfg.RetryPolicy()),
		sandboxctl.WithObserver(sandboxctl.NewLoggingObserver(a.logger)),
		sandboxctl.WithObserver(metrics),
		sandboxctl.WithObserver(sandboxctl.NewHistoryObserver(a.store, a.logger)),
	}
	if a.options.SessionID != "" {
		opts = append(opts, sandboxctl.WithSessionID(a.options.SessionID))
	}

	eng, err := sandboxctl.NewEngine(a.cfg.API.URL, tok.IDToken, opts...)
	if err != nil {
		return sandboxctl.Result{}, err
	}
	driver := &sandboxctl.Driver{
		Engine:       eng,
		Prompter:     a.prompter,
		PollInterval: a.cfg.Poll.Interval,
		MaxPolls:     a.cfg.Poll.MaxPolls,
		Logger:       a.logger,
	}
	res, err := driver.Run(ctx, initial)

	snap := metrics.Snapshot()
	a.logger.DebugContext(ctx, "session_metrics",
		slog.String("session_id", eng.SessionID()),
		slog.Int64("transitions", snap.Transitions),
		slog.Int64("calls_succeeded", snap.CallsSucceeded),
		slog.Int64("calls_failed", snap.CallsFailed),
		slog.Duration("avg_call_duration", snap.AvgCallDuration),
	)
	return res, err
}

func printAccount(w io.Writer, res sandboxctl.Result) {
	fmt.Fprintln(w, "Your Developer Sandbox is ready.")
	acct := res.Account
	if acct == nil {
		return
	}
	rows := [][2]string{
		{"Username", acct.Username},
		{"Console", acct.ConsoleURL},
		{"Dev Spaces", acct.CheDashboardURL},
		{"API server", acct.APIEndpoint},
		{"Cluster", acct.ClusterName},
	}
	for _, r := range rows {
		if r[1] != "" {
			fmt.Fprintf(w, "  %-11s %s\n", r[0]+":", r[1])
		}
	}
	fmt.Fprintf(w, "  %-11s %s\n", "Session:", res.SessionID)
}

func printHistory(ctx context.Context, w io.Writer, store sandboxctl.EventStore, sessionID string) error {
	events, err := store.ListEvents(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return fmt.Errorf("history: no events recorded for session %q", sessionID)
	}
	for _, ev := range events {
		fmt.Fprintf(w, "%s  %-18s", ev.At.Format("2006-01-02T15:04:05.000Z07:00"), ev.Type)
		switch {
		case ev.Operation != "":
			fmt.Fprintf(w, " %s #%d", ev.Operation, ev.Attempt)
		case ev.From != "" && ev.To != "":
			fmt.Fprintf(w, " %s -> %s", ev.From, ev.To)
		case ev.To != "":
			fmt.Fprintf(w, " %s", ev.To)
		}
		if ev.Detail != "" {
			fmt.Fprintf(w, " %s", ev.Detail)
		}
		fmt.Fprintln(w)
	}
	return nil
}
