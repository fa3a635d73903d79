package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/sandboxctl/pkg/api"
	"github.com/petrijr/sandboxctl/pkg/credential"
)

// engineImpl drives one provisioning session synchronously, in process.
type engineImpl struct {
	id       string
	token    string
	backend  api.Backend
	retry    api.RetryPolicy
	observer api.Observer
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time

	busy atomic.Bool

	// mu guards the fields below for the read accessors. Only Advance
	// writes them, and busy keeps Advance single-entry.
	mu       sync.Mutex
	state    api.State
	fields   api.Fields
	rejected api.Fields
	lastErr  error
	expired  error
	started  bool
	account  *api.Account
}

// Config describes how to construct an engine.
type Config struct {
	// Token is the identity token the backend was built for. It is only
	// inspected for its expiry.
	Token   string
	Backend api.Backend

	// Retry applies to transient backend failures. A zero value means
	// api.DefaultRetryPolicy().
	Retry    api.RetryPolicy
	Observer api.Observer

	// SessionID overrides the generated session identifier.
	SessionID string

	// Sleep waits between retry attempts. Defaults to a timer that stops
	// early when ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// New creates an engine positioned at api.StateInitializing.
func New(cfg Config) (api.Engine, error) {
	if cfg.Token == "" {
		return nil, api.ErrMissingToken
	}
	if cfg.Backend == nil {
		return nil, errors.New("engine: backend is required")
	}
	if cfg.Retry == (api.RetryPolicy{}) {
		cfg.Retry = api.DefaultRetryPolicy()
	}
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	return &engineImpl{
		id:       cfg.SessionID,
		token:    cfg.Token,
		backend:  cfg.Backend,
		retry:    cfg.Retry,
		observer: cfg.Observer,
		sleep:    cfg.Sleep,
		now:      cfg.Now,
		state:    api.StateInitializing,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// step performs the remote work of one state and returns the next state.
type step func(e *engineImpl, a *advance) (api.State, error)

var transitions = map[api.State]step{
	api.StateInitializing:           (*engineImpl).checkStatus,
	api.StateCheckingStatus:         (*engineImpl).checkStatus,
	api.StateNeedsVerification:      (*engineImpl).startVerification,
	api.StateConfirmingVerification: (*engineImpl).confirmVerification,
	api.StateProvisioning:           (*engineImpl).pollProvisioning,
}

// advance carries the per-call context of one Advance.
type advance struct {
	ctx    context.Context
	from   api.State
	fields api.Fields
	calls  int
}

func (e *engineImpl) SessionID() string { return e.id }

func (e *engineImpl) State() api.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *engineImpl) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

func (e *engineImpl) Fields() api.Fields {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fields
}

func (e *engineImpl) Advance(ctx context.Context, fields api.Fields) (api.Result, error) {
	if !e.busy.CompareAndSwap(false, true) {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.resultLocked(e.state, 0), api.ErrConcurrentAdvance
	}
	defer e.busy.Store(false)

	from := e.state
	e.mu.Lock()
	e.fields = e.fields.Merge(fields)
	if !e.rejected.SameValues(e.fields, e.rejected.Names()...) {
		e.rejected = api.Fields{}
	}
	e.mu.Unlock()

	if from.Terminal() {
		return e.result(from, 0), nil
	}
	if e.expired != nil {
		return e.result(from, 0), e.expired
	}

	if !e.started {
		e.started = true
		e.observer.OnSessionStart(ctx, e.info())
	}

	if required := api.RequiredFields(from); len(required) > 0 {
		if missing := e.fields.Missing(required...); len(missing) > 0 {
			return e.waiting(from, missing), nil
		}
		if e.rejected.SameValues(e.fields, required...) {
			return e.waiting(from, required), nil
		}
	}

	if credential.Expired(e.token, e.now()) {
		err := api.NewError(api.KindAuthExpired, "", api.ErrAuthExpired.Message)
		return e.expire(ctx, from, 0, err)
	}

	a := &advance{ctx: ctx, from: from, fields: e.fields}
	to, err := transitions[from](e, a)
	if err != nil {
		return e.fail(a, err)
	}

	e.mu.Lock()
	e.state = to
	e.lastErr = nil
	e.rejected = api.Fields{}
	e.mu.Unlock()

	if to != from {
		e.observer.OnTransition(ctx, e.info(), from, to)
	}
	if to == api.StateReady {
		e.observer.OnSessionReady(ctx, e.info(), e.account)
	}
	return e.result(from, a.calls), nil
}

// fail applies the outcome of a failed step.
func (e *engineImpl) fail(a *advance, err error) (api.Result, error) {
	ctx := a.ctx
	if ctxErr := ctx.Err(); ctxErr != nil && api.KindOf(err) == "" {
		return e.result(a.from, a.calls), ctxErr
	}

	switch api.KindOf(err) {
	case api.KindAuthExpired:
		return e.expire(ctx, a.from, a.calls, err)

	case api.KindValidationRejected:
		if required := api.RequiredFields(a.from); len(required) > 0 {
			rejected := api.Fields{}
			for _, f := range required {
				rejected = rejected.With(f, a.fields.Get(f))
			}
			e.mu.Lock()
			e.lastErr = err
			e.rejected = rejected
			e.mu.Unlock()
			return e.result(a.from, a.calls), nil
		}
	}

	// Anything not handled above ends the session, including rejections
	// outside an input state and errors a custom Backend left unclassified.
	if api.KindOf(err) != api.KindFatal {
		err = api.NewError(api.KindFatal, "", "unrecoverable backend failure").WithCause(err)
	}

	e.mu.Lock()
	e.state = api.StateFailed
	e.lastErr = err
	e.mu.Unlock()

	info := e.info()
	e.observer.OnTransition(ctx, info, a.from, api.StateFailed)
	e.observer.OnSessionFailed(ctx, info, err)
	return e.result(a.from, a.calls), err
}

// expire marks the session unusable. The state is left untouched.
func (e *engineImpl) expire(ctx context.Context, from api.State, calls int, err error) (api.Result, error) {
	e.mu.Lock()
	e.expired = err
	e.lastErr = err
	e.mu.Unlock()
	e.observer.OnSessionFailed(ctx, e.info(), err)
	return e.result(from, calls), err
}

func (e *engineImpl) waiting(from api.State, required []api.Field) api.Result {
	res := e.result(from, 0)
	res.Interactive = true
	res.Required = required
	return res
}

func (e *engineImpl) result(prev api.State, calls int) api.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resultLocked(prev, calls)
}

func (e *engineImpl) resultLocked(prev api.State, calls int) api.Result {
	res := api.Result{
		SessionID: e.id,
		Previous:  prev,
		State:     e.state,
		Err:       e.lastErr,
		Calls:     calls,
	}
	if e.state == api.StateReady {
		res.Account = e.account
	}
	return res
}

func (e *engineImpl) info() api.SessionInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return api.SessionInfo{ID: e.id, State: e.state}
}

//
// Steps
//

func (e *engineImpl) checkStatus(a *advance) (api.State, error) {
	rep, err := e.status(a, api.OpStatus, e.backend.Status)
	if err != nil {
		return "", err
	}
	if rep.Status == api.AccountNoAccount {
		if err := e.call(a, api.OpSignUp, e.backend.SignUp); err != nil {
			return "", err
		}
		if rep, err = e.status(a, api.OpStatus, e.backend.Status); err != nil {
			return "", err
		}
	}
	return e.stateFor(api.OpStatus, rep)
}

func (e *engineImpl) startVerification(a *advance) (api.State, error) {
	cc, phone := a.fields.Get(api.FieldCountryCode), a.fields.Get(api.FieldPhoneNumber)
	err := e.call(a, api.OpStartVerification, func(ctx context.Context) error {
		return e.backend.StartVerification(ctx, cc, phone)
	})
	if err == nil {
		return api.StateConfirmingVerification, nil
	}
	if !errors.Is(err, api.ErrAlreadyVerified) {
		return "", err
	}

	// The backend already holds a verified number; let it decide where the
	// session stands.
	next, statusErr := e.checkStatus(a)
	if statusErr != nil {
		return "", statusErr
	}
	if next == api.StateNeedsVerification {
		return "", err
	}
	return next, nil
}

func (e *engineImpl) confirmVerification(a *advance) (api.State, error) {
	code := a.fields.Get(api.FieldVerificationCode)
	err := e.call(a, api.OpConfirmVerification, func(ctx context.Context) error {
		return e.backend.ConfirmVerification(ctx, code)
	})
	if err != nil {
		return "", err
	}
	return api.StateProvisioning, nil
}

func (e *engineImpl) pollProvisioning(a *advance) (api.State, error) {
	rep, err := e.status(a, api.OpPollProvisioning, e.backend.PollProvisioning)
	if err != nil {
		return "", err
	}
	return e.stateFor(api.OpPollProvisioning, rep)
}

func (e *engineImpl) stateFor(op api.Operation, rep api.StatusReport) (api.State, error) {
	switch rep.Status {
	case api.AccountVerificationRequired:
		return api.StateNeedsVerification, nil
	case api.AccountReady:
		e.mu.Lock()
		e.account = rep.Account
		e.mu.Unlock()
		return api.StateReady, nil
	case api.AccountProvisioning, api.AccountNoAccount:
		return api.StateProvisioning, nil
	case api.AccountFailed:
		msg := "account cannot be provisioned"
		if rep.Reason != "" {
			msg += ": " + rep.Reason
		}
		return "", api.NewError(api.KindFatal, op, msg)
	default:
		return "", api.NewError(api.KindFatal, op, fmt.Sprintf("unknown account status %q", rep.Status))
	}
}

//
// Calls and retries
//

func (e *engineImpl) status(a *advance, op api.Operation, fn func(context.Context) (api.StatusReport, error)) (api.StatusReport, error) {
	var rep api.StatusReport
	err := e.call(a, op, func(ctx context.Context) error {
		var err error
		rep, err = fn(ctx)
		return err
	})
	return rep, err
}

// call runs fn, retrying transient failures with exponential backoff.
// Exhausting the policy yields a KindFatal error wrapping the last failure.
func (e *engineImpl) call(a *advance, op api.Operation, fn func(context.Context) error) error {
	ctx := a.ctx
	policy := e.retry

	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		info := e.info()
		e.observer.OnCallStart(ctx, info, op, attempt)
		start := e.now()
		err := fn(ctx)
		a.calls++
		e.observer.OnCallCompleted(ctx, info, op, attempt, err, e.now().Sub(start))

		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !api.IsRetryable(err) {
			return err
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}

		if delay := policy.Delay(attempt, api.RetryAfterOf(err)); delay > 0 {
			if err := e.sleep(ctx, delay); err != nil {
				return err
			}
		}
	}

	return api.NewError(api.KindFatal, op, fmt.Sprintf("giving up after %d attempts", maxAttempts)).
		WithCause(lastErr)
}
