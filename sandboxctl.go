package sandboxctl

import (
	"database/sql"
	"log/slog"

	"github.com/petrijr/sandboxctl/internal/backend"
	"github.com/petrijr/sandboxctl/internal/engine"
	"github.com/petrijr/sandboxctl/internal/persistence"
	"github.com/petrijr/sandboxctl/pkg/api"
)

// Re-export core types for consumers of the root package.

type (
	Engine        = api.Engine
	Backend       = api.Backend
	State         = api.State
	Field         = api.Field
	Fields        = api.Fields
	Result        = api.Result
	Account       = api.Account
	RetryPolicy   = api.RetryPolicy
	AccountStatus = api.AccountStatus
	StatusReport  = api.StatusReport

	Error     = api.Error
	ErrorKind = api.ErrorKind
	Operation = api.Operation

	Observer             = api.Observer
	NoopObserver         = api.NoopObserver
	CompositeObserver    = api.CompositeObserver
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	SessionInfo          = api.SessionInfo
	SessionEvent         = api.SessionEvent

	HTTPDoer = backend.HTTPDoer
	Route    = backend.Route
	Routes   = backend.Routes

	EventStore      = persistence.EventStore
	HistoryObserver = persistence.HistoryObserver
)

const (
	StateInitializing           = api.StateInitializing
	StateCheckingStatus         = api.StateCheckingStatus
	StateNeedsVerification      = api.StateNeedsVerification
	StateConfirmingVerification = api.StateConfirmingVerification
	StateProvisioning           = api.StateProvisioning
	StateReady                  = api.StateReady
	StateFailed                 = api.StateFailed

	FieldCountryCode      = api.FieldCountryCode
	FieldPhoneNumber      = api.FieldPhoneNumber
	FieldVerificationCode = api.FieldVerificationCode

	KindTransient          = api.KindTransient
	KindAuthExpired        = api.KindAuthExpired
	KindValidationRejected = api.KindValidationRejected
	KindFatal              = api.KindFatal

	OpStatus              = api.OpStatus
	OpSignUp              = api.OpSignUp
	OpStartVerification   = api.OpStartVerification
	OpConfirmVerification = api.OpConfirmVerification
	OpPollProvisioning    = api.OpPollProvisioning

	DefaultRetryAfterCeiling = api.DefaultRetryAfterCeiling
)

var (
	ErrTransient          = api.ErrTransient
	ErrAuthExpired        = api.ErrAuthExpired
	ErrValidationRejected = api.ErrValidationRejected
	ErrFatal              = api.ErrFatal
	ErrAlreadyVerified    = api.ErrAlreadyVerified
	ErrConcurrentAdvance  = api.ErrConcurrentAdvance
	ErrMissingToken       = api.ErrMissingToken
)

// NewFields builds an immutable field snapshot.
func NewFields(kv map[Field]string) Fields { return api.NewFields(kv) }

// NewError creates a classified error, for Backend implementations.
func NewError(kind ErrorKind, op Operation, message string) *Error {
	return api.NewError(kind, op, message)
}

// KindOf returns the classification of err, or "" when it has none.
func KindOf(err error) ErrorKind { return api.KindOf(err) }

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy { return api.DefaultRetryPolicy() }

// DefaultRoutes returns the /api/v1/signup route layout using POST for
// every mutation.
func DefaultRoutes() Routes { return backend.DefaultRoutes() }

// RegistrationServiceRoutes returns the layout of the hosted registration
// service, which starts verification with PUT and confirms with a GET
// carrying the code in the path.
func RegistrationServiceRoutes() Routes { return backend.RegistrationServiceRoutes() }

// NewLoggingObserver returns an observer writing structured session logs.
func NewLoggingObserver(logger *slog.Logger) Observer {
	return api.NewLoggingObserver(logger)
}

// NewCompositeObserver fans callbacks out to every non-nil observer.
func NewCompositeObserver(observers ...Observer) Observer {
	return api.NewCompositeObserver(observers...)
}

// NewInMemoryEventStore returns a process-local session history store.
func NewInMemoryEventStore() EventStore {
	return persistence.NewInMemoryEventStore()
}

// NewSQLiteEventStore creates the history schema in db if needed. The
// caller opens db and imports a driver, e.g. modernc.org/sqlite.
func NewSQLiteEventStore(db *sql.DB) (EventStore, error) {
	return persistence.NewSQLiteEventStore(db)
}

// NewHistoryObserver records session events in store.
func NewHistoryObserver(store EventStore, logger *slog.Logger) *HistoryObserver {
	return persistence.NewHistoryObserver(store, logger)
}

type options struct {
	retry     RetryPolicy
	observers []Observer
	sessionID string
	backend   []backend.Option
}

// Option configures an engine built by NewEngine or NewEngineWithBackend.
type Option func(*options)

// WithRetryPolicy sets the retry policy for transient backend failures.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *options) { o.retry = p }
}

// WithObserver adds an observer. It may be given more than once.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observers = append(o.observers, obs) }
}

// WithSessionID overrides the generated session identifier.
func WithSessionID(id string) Option {
	return func(o *options) { o.sessionID = id }
}

// WithHTTPClient sets the HTTP client used to reach the backend. It has no
// effect with NewEngineWithBackend.
func WithHTTPClient(doer HTTPDoer) Option {
	return func(o *options) { o.backend = append(o.backend, backend.WithHTTPClient(doer)) }
}

// WithRoutes sets the backend route layout. It has no effect with
// NewEngineWithBackend.
func WithRoutes(r Routes) Option {
	return func(o *options) { o.backend = append(o.backend, backend.WithRoutes(r)) }
}

// WithUserAgent sets the User-Agent header sent to the backend.
func WithUserAgent(ua string) Option {
	return func(o *options) { o.backend = append(o.backend, backend.WithUserAgent(ua)) }
}

func collect(opts []Option) options {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// NewEngine creates a provisioning session against the backend at apiURL,
// authenticated with the given identity token.
func NewEngine(apiURL, token string, opts ...Option) (Engine, error) {
	o := collect(opts)
	client, err := backend.New(apiURL, token, o.backend...)
	if err != nil {
		return nil, err
	}
	return newEngine(client, token, o)
}

// NewEngineWithBackend creates a session against a caller-supplied
// Backend. token is only inspected for its expiry.
func NewEngineWithBackend(b Backend, token string, opts ...Option) (Engine, error) {
	return newEngine(b, token, collect(opts))
}

func newEngine(b Backend, token string, o options) (Engine, error) {
	return engine.New(engine.Config{
		Token:     token,
		Backend:   b,
		Retry:     o.retry,
		Observer:  api.NewCompositeObserver(o.observers...),
		SessionID: o.sessionID,
	})
}
