package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/petrijr/sandboxctl/pkg/api"
)

type statusReply struct {
	rep api.StatusReport
	err error
}

func reply(s api.AccountStatus) statusReply {
	r := statusReply{rep: api.StatusReport{Status: s}}
	if s == api.AccountReady {
		r.rep.Account = &api.Account{Username: "dev", ConsoleURL: "https://console.example.com"}
	}
	return r
}

func failWith(err error) statusReply { return statusReply{err: err} }

// fakeBackend replays scripted replies per operation. The last reply of a
// script repeats once the script is exhausted.
type fakeBackend struct {
	mu sync.Mutex

	status  []statusReply
	poll    []statusReply
	signup  []error
	start   []error
	confirm []error

	calls     map[api.Operation]int
	startArgs [][2]string
	codes     []string

	// entered, when set, receives a value as Status begins and Status then
	// blocks until release is closed.
	entered chan struct{}
	release chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{calls: map[api.Operation]int{}}
}

func popReply(list *[]statusReply) statusReply {
	if len(*list) == 0 {
		return reply(api.AccountProvisioning)
	}
	r := (*list)[0]
	if len(*list) > 1 {
		*list = (*list)[1:]
	}
	return r
}

func popErr(list *[]error) error {
	if len(*list) == 0 {
		return nil
	}
	err := (*list)[0]
	if len(*list) > 1 {
		*list = (*list)[1:]
	}
	return err
}

func (f *fakeBackend) Status(ctx context.Context) (api.StatusReport, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[api.OpStatus]++
	r := popReply(&f.status)
	return r.rep, r.err
}

func (f *fakeBackend) PollProvisioning(ctx context.Context) (api.StatusReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[api.OpPollProvisioning]++
	r := popReply(&f.poll)
	return r.rep, r.err
}

func (f *fakeBackend) SignUp(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[api.OpSignUp]++
	return popErr(&f.signup)
}

func (f *fakeBackend) StartVerification(ctx context.Context, countryCode, phoneNumber string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[api.OpStartVerification]++
	f.startArgs = append(f.startArgs, [2]string{countryCode, phoneNumber})
	return popErr(&f.start)
}

func (f *fakeBackend) ConfirmVerification(ctx context.Context, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[api.OpConfirmVerification]++
	f.codes = append(f.codes, code)
	return popErr(&f.confirm)
}

func (f *fakeBackend) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// sleepRecorder replaces the engine's timer and records requested delays.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func newTestEngine(t *testing.T, b api.Backend, opts ...func(*Config)) (api.Engine, *sleepRecorder) {
	t.Helper()
	sleeper := &sleepRecorder{}
	cfg := Config{
		Token:     "opaque-token",
		Backend:   b,
		SessionID: "sess-test",
		Retry: api.RetryPolicy{
			MaxAttempts:       3,
			InitialBackoff:    10 * time.Millisecond,
			MaxBackoff:        time.Second,
			BackoffMultiplier: 2,
		},
		Sleep: sleeper.Sleep,
	}
	for _, o := range opts {
		o(&cfg)
	}
	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return eng, sleeper
}

func transient(op api.Operation) *api.Error {
	return api.NewError(api.KindTransient, op, "service unavailable").WithStatus(503)
}

func rejected(op api.Operation, msg string) *api.Error {
	return api.NewError(api.KindValidationRejected, op, msg).WithStatus(400)
}

func authExpired(op api.Operation) *api.Error {
	return api.NewError(api.KindAuthExpired, op, "unauthorized").WithStatus(401)
}

var (
	phoneFields = api.NewFields(map[api.Field]string{
		api.FieldCountryCode: "1",
		api.FieldPhoneNumber: "5551234567",
	})
	codeFields = phoneFields.With(api.FieldVerificationCode, "123456")
)
