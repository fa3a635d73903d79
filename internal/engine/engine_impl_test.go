package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/sandboxctl/pkg/api"
)

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Backend: newFakeBackend()})
	require.ErrorIs(t, err, api.ErrMissingToken)

	_, err = New(Config{Token: "tok"})
	require.Error(t, err)

	eng, err := New(Config{Token: "tok", Backend: newFakeBackend()})
	require.NoError(t, err)
	require.Equal(t, api.StateInitializing, eng.State())
	require.NotEmpty(t, eng.SessionID())
}

func TestAdvance_EndToEndVerificationFlow(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend()
	b.status = []statusReply{reply(api.AccountVerificationRequired)}
	b.poll = []statusReply{reply(api.AccountReady)}
	eng, _ := newTestEngine(t, b)

	// Fresh session: status check lands in NEEDS_VERIFICATION.
	res, err := eng.Advance(ctx, api.Fields{})
	require.NoError(t, err)
	require.Equal(t, api.StateNeedsVerification, res.State)
	require.Equal(t, api.StateInitializing, res.Previous)
	require.False(t, res.Interactive)
	require.Equal(t, 1, res.Calls)

	// Nothing supplied yet: waiting.
	res, err = eng.Advance(ctx, api.Fields{})
	require.NoError(t, err)
	require.True(t, res.Interactive)
	require.Equal(t, []api.Field{api.FieldCountryCode, api.FieldPhoneNumber}, res.Required)
	require.Zero(t, res.Calls)

	res, err = eng.Advance(ctx, phoneFields)
	require.NoError(t, err)
	require.Equal(t, api.StateConfirmingVerification, res.State)
	require.False(t, res.Interactive)
	require.Equal(t, [][2]string{{"1", "5551234567"}}, b.startArgs)

	res, err = eng.Advance(ctx, phoneFields)
	require.NoError(t, err)
	require.True(t, res.Interactive)
	require.Equal(t, []api.Field{api.FieldVerificationCode}, res.Required)

	res, err = eng.Advance(ctx, codeFields)
	require.NoError(t, err)
	require.Equal(t, api.StateProvisioning, res.State)
	require.Equal(t, []string{"123456"}, b.codes)

	res, err = eng.Advance(ctx, codeFields)
	require.NoError(t, err)
	require.Equal(t, api.StateReady, res.State)
	require.NotNil(t, res.Account)
	require.Equal(t, "dev", res.Account.Username)
	require.Nil(t, res.Err)
	require.Nil(t, eng.LastError())
}

func TestAdvance_TerminalStatesAreIdempotent(t *testing.T) {
	ctx := context.Background()

	t.Run("ready", func(t *testing.T) {
		b := newFakeBackend()
		b.status = []statusReply{reply(api.AccountReady)}
		eng, _ := newTestEngine(t, b)

		res, err := eng.Advance(ctx, api.Fields{})
		require.NoError(t, err)
		require.Equal(t, api.StateReady, res.State)
		before := b.totalCalls()

		for i := 0; i < 3; i++ {
			res, err = eng.Advance(ctx, codeFields)
			require.NoError(t, err)
			require.Equal(t, api.StateReady, res.State)
			require.Zero(t, res.Calls)
			require.NotNil(t, res.Account)
		}
		require.Equal(t, before, b.totalCalls())
	})

	t.Run("failed", func(t *testing.T) {
		b := newFakeBackend()
		b.status = []statusReply{{rep: api.StatusReport{Status: api.AccountFailed, Reason: "Banned"}}}
		eng, _ := newTestEngine(t, b)

		res, err := eng.Advance(ctx, api.Fields{})
		require.ErrorIs(t, err, api.ErrFatal)
		require.ErrorContains(t, err, "Banned")
		require.Equal(t, api.StateFailed, res.State)
		before := b.totalCalls()

		for i := 0; i < 3; i++ {
			res, err = eng.Advance(ctx, api.Fields{})
			require.NoError(t, err)
			require.Equal(t, api.StateFailed, res.State)
			require.ErrorIs(t, res.Err, api.ErrFatal)
			require.Zero(t, res.Calls)
		}
		require.Equal(t, before, b.totalCalls())
	})
}

func TestAdvance_MissingPhoneMakesNoCall(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend()
	b.status = []statusReply{reply(api.AccountVerificationRequired)}
	eng, _ := newTestEngine(t, b)

	_, err := eng.Advance(ctx, api.Fields{})
	require.NoError(t, err)
	before := b.totalCalls()

	onlyCountry := api.NewFields(map[api.Field]string{api.FieldCountryCode: "1"})
	res, err := eng.Advance(ctx, onlyCountry)
	require.NoError(t, err)
	require.Equal(t, api.StateNeedsVerification, res.State)
	require.True(t, res.Interactive)
	require.Equal(t, []api.Field{api.FieldPhoneNumber}, res.Required)
	require.Equal(t, before, b.totalCalls())
}

func TestAdvance_FieldsAccumulateAcrossCalls(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend()
	b.status = []statusReply{reply(api.AccountVerificationRequired)}
	eng, _ := newTestEngine(t, b)

	_, err := eng.Advance(ctx, api.Fields{})
	require.NoError(t, err)
	_, err = eng.Advance(ctx, api.NewFields(map[api.Field]string{api.FieldCountryCode: "44"}))
	require.NoError(t, err)

	// The country code from the previous call is retained.
	res, err := eng.Advance(ctx, api.NewFields(map[api.Field]string{api.FieldPhoneNumber: "7700900123"}))
	require.NoError(t, err)
	require.Equal(t, api.StateConfirmingVerification, res.State)
	require.Equal(t, [][2]string{{"44", "7700900123"}}, b.startArgs)
	require.Equal(t, "44", eng.Fields().Get(api.FieldCountryCode))
}

func TestAdvance_WrongCodeStaysConfirming(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend()
	b.status = []statusReply{reply(api.AccountVerificationRequired)}
	b.confirm = []error{rejected(api.OpConfirmVerification, "invalid code"), nil}
	eng, _ := newTestEngine(t, b)

	_, _ = eng.Advance(ctx, api.Fields{})
	_, err := eng.Advance(ctx, phoneFields)
	require.NoError(t, err)

	wrong := phoneFields.With(api.FieldVerificationCode, "000000")
	res, err := eng.Advance(ctx, wrong)
	require.NoError(t, err, "validation rejections are not returned as errors")
	require.Equal(t, api.StateConfirmingVerification, res.State)
	require.False(t, res.Interactive)
	require.ErrorIs(t, res.Err, api.ErrValidationRejected)
	require.ErrorIs(t, eng.LastError(), api.ErrValidationRejected)
	require.Equal(t, 1, b.calls[api.OpConfirmVerification])

	// Resubmitting the rejected code is treated as missing input.
	res, err = eng.Advance(ctx, wrong)
	require.NoError(t, err)
	require.True(t, res.Interactive)
	require.Zero(t, res.Calls)
	require.ErrorIs(t, res.Err, api.ErrValidationRejected)
	require.Equal(t, 1, b.calls[api.OpConfirmVerification])

	// A corrected code goes through and clears the error.
	res, err = eng.Advance(ctx, phoneFields.With(api.FieldVerificationCode, "123456"))
	require.NoError(t, err)
	require.Equal(t, api.StateProvisioning, res.State)
	require.Nil(t, res.Err)
	require.Nil(t, eng.LastError())
}

func TestAdvance_RejectedPhoneCanBeCorrected(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend()
	b.status = []statusReply{reply(api.AccountVerificationRequired)}
	b.start = []error{rejected(api.OpStartVerification, "invalid phone number"), nil}
	eng, _ := newTestEngine(t, b)

	_, _ = eng.Advance(ctx, api.Fields{})
	bad := api.NewFields(map[api.Field]string{api.FieldCountryCode: "1", api.FieldPhoneNumber: "555"})
	res, err := eng.Advance(ctx, bad)
	require.NoError(t, err)
	require.Equal(t, api.StateNeedsVerification, res.State)
	require.ErrorContains(t, res.Err, "invalid phone number")

	res, err = eng.Advance(ctx, bad.With(api.FieldPhoneNumber, "5551234567"))
	require.NoError(t, err)
	require.Equal(t, api.StateConfirmingVerification, res.State)
	require.Len(t, b.startArgs, 2)
}

func TestAdvance_RetryBound(t *testing.T) {
	ctx := context.Background()
	op := api.OpStatus

	t.Run("below limit succeeds", func(t *testing.T) {
		b := newFakeBackend()
		b.status = []statusReply{
			failWith(transient(op)),
			failWith(transient(op)),
			reply(api.AccountVerificationRequired),
		}
		eng, sleeper := newTestEngine(t, b)

		res, err := eng.Advance(ctx, api.Fields{})
		require.NoError(t, err)
		require.Equal(t, api.StateNeedsVerification, res.State)
		require.Equal(t, 3, res.Calls)
		require.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, sleeper.delays)
	})

	t.Run("above limit fails", func(t *testing.T) {
		b := newFakeBackend()
		b.status = []statusReply{failWith(transient(op))}
		eng, sleeper := newTestEngine(t, b)

		res, err := eng.Advance(ctx, api.Fields{})
		require.ErrorIs(t, err, api.ErrFatal)
		require.NotErrorIs(t, err, api.ErrTransient, "an exhausted session must not look retryable")
		require.ErrorContains(t, err, "service unavailable")
		require.ErrorContains(t, err, "giving up after 3 attempts")
		require.Equal(t, api.StateFailed, res.State)
		require.Equal(t, 3, res.Calls)
		require.Len(t, sleeper.delays, 2)
		require.Equal(t, api.StateFailed, eng.State())
	})
}

func TestAdvance_RetryAfterActsAsFloorUnderCap(t *testing.T) {
	ctx := context.Background()
	op := api.OpPollProvisioning

	b := newFakeBackend()
	b.status = []statusReply{reply(api.AccountProvisioning)}
	b.poll = []statusReply{
		failWith(api.NewError(api.KindTransient, op, "429").WithRetryAfter(300 * time.Millisecond)),
		failWith(api.NewError(api.KindTransient, op, "429").WithRetryAfter(time.Hour)),
		reply(api.AccountReady),
	}
	eng, sleeper := newTestEngine(t, b)

	_, err := eng.Advance(ctx, api.Fields{})
	require.NoError(t, err)
	res, err := eng.Advance(ctx, api.Fields{})
	require.NoError(t, err)
	require.Equal(t, api.StateReady, res.State)
	require.Equal(t, []time.Duration{300 * time.Millisecond, time.Second}, sleeper.delays)
}

func TestAdvance_RetryAfterIsBounded(t *testing.T) {
	op := api.OpStatus
	rateLimited := func() error {
		return api.NewError(api.KindTransient, op, "429").WithStatus(429).WithRetryAfter(24 * time.Hour)
	}

	cases := []struct {
		name   string
		policy api.RetryPolicy
		want   []time.Duration
	}{
		{
			name:   "no backoff falls back to default ceiling",
			policy: api.RetryPolicy{MaxAttempts: 3},
			want:   []time.Duration{api.DefaultRetryAfterCeiling, api.DefaultRetryAfterCeiling},
		},
		{
			name:   "explicit ceiling",
			policy: api.RetryPolicy{MaxAttempts: 3, MaxBackoff: time.Second, RetryAfterCeiling: 2 * time.Second},
			want:   []time.Duration{2 * time.Second, 2 * time.Second},
		},
		{
			name:   "ignored without own backoff never sleeps",
			policy: api.RetryPolicy{MaxAttempts: 3, IgnoreRetryAfter: true},
		},
		{
			name: "ignored keeps own backoff",
			policy: api.RetryPolicy{
				MaxAttempts: 3, InitialBackoff: 10 * time.Millisecond, MaxBackoff: time.Second,
				BackoffMultiplier: 2, IgnoreRetryAfter: true,
			},
			want: []time.Duration{10 * time.Millisecond, 20 * time.Millisecond},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := newFakeBackend()
			b.status = []statusReply{
				failWith(rateLimited()),
				failWith(rateLimited()),
				reply(api.AccountVerificationRequired),
			}
			eng, sleeper := newTestEngine(t, b, func(c *Config) { c.Retry = tc.policy })

			res, err := eng.Advance(context.Background(), api.Fields{})
			require.NoError(t, err)
			require.Equal(t, api.StateNeedsVerification, res.State)
			require.Equal(t, tc.want, sleeper.delays)
		})
	}
}

func TestAdvance_NonTransientFailureIsNotRetried(t *testing.T) {
	b := newFakeBackend()
	b.status = []statusReply{failWith(api.NewError(api.KindFatal, api.OpStatus, "malformed status response"))}
	eng, sleeper := newTestEngine(t, b)

	res, err := eng.Advance(context.Background(), api.Fields{})
	require.ErrorIs(t, err, api.ErrFatal)
	require.Equal(t, api.StateFailed, res.State)
	require.Equal(t, 1, res.Calls)
	require.Empty(t, sleeper.delays)
}

func TestAdvance_UnclassifiedBackendErrorIsFatal(t *testing.T) {
	b := newFakeBackend()
	b.status = []statusReply{failWith(errors.New("driver exploded"))}
	eng, _ := newTestEngine(t, b)

	res, err := eng.Advance(context.Background(), api.Fields{})
	require.ErrorIs(t, err, api.ErrFatal)
	require.ErrorContains(t, err, "driver exploded")
	require.Equal(t, api.StateFailed, res.State)
}

func TestAdvance_AuthExpiredInAnyState(t *testing.T) {
	ctx := context.Background()

	cases := map[string]struct {
		setup func(b *fakeBackend)
		input []api.Fields
		state api.State
	}{
		"initializing": {
			setup: func(b *fakeBackend) { b.status = []statusReply{failWith(authExpired(api.OpStatus))} },
			state: api.StateInitializing,
		},
		"needs verification": {
			setup: func(b *fakeBackend) {
				b.status = []statusReply{reply(api.AccountVerificationRequired)}
				b.start = []error{authExpired(api.OpStartVerification)}
			},
			input: []api.Fields{{}},
			state: api.StateNeedsVerification,
		},
		"confirming": {
			setup: func(b *fakeBackend) {
				b.status = []statusReply{reply(api.AccountVerificationRequired)}
				b.confirm = []error{authExpired(api.OpConfirmVerification)}
			},
			input: []api.Fields{{}, phoneFields},
			state: api.StateConfirmingVerification,
		},
		"provisioning": {
			setup: func(b *fakeBackend) {
				b.status = []statusReply{reply(api.AccountProvisioning)}
				b.poll = []statusReply{failWith(authExpired(api.OpPollProvisioning))}
			},
			input: []api.Fields{{}},
			state: api.StateProvisioning,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			b := newFakeBackend()
			tc.setup(b)
			eng, sleeper := newTestEngine(t, b)

			for _, f := range tc.input {
				_, err := eng.Advance(ctx, f)
				require.NoError(t, err)
			}
			require.Equal(t, tc.state, eng.State())

			res, err := eng.Advance(ctx, codeFields)
			require.ErrorIs(t, err, api.ErrAuthExpired)
			require.Equal(t, tc.state, res.State)
			require.Equal(t, 1, res.Calls, "auth failures are not retried")
			require.Empty(t, sleeper.delays)

			// The session is unusable from now on.
			before := b.totalCalls()
			res, err = eng.Advance(ctx, codeFields)
			require.ErrorIs(t, err, api.ErrAuthExpired)
			require.Zero(t, res.Calls)
			require.Equal(t, before, b.totalCalls())
		})
	}
}

func TestAdvance_ExpiredJWTFailsBeforeAnyCall(t *testing.T) {
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(-time.Minute).Unix(),
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	b := newFakeBackend()
	eng, _ := newTestEngine(t, b, func(c *Config) { c.Token = raw })

	res, err := eng.Advance(context.Background(), api.Fields{})
	require.ErrorIs(t, err, api.ErrAuthExpired)
	require.Equal(t, api.StateInitializing, res.State)
	require.Zero(t, b.totalCalls())
}

func TestAdvance_NoAccountSignsUp(t *testing.T) {
	b := newFakeBackend()
	b.status = []statusReply{reply(api.AccountNoAccount), reply(api.AccountVerificationRequired)}
	eng, _ := newTestEngine(t, b)

	res, err := eng.Advance(context.Background(), api.Fields{})
	require.NoError(t, err)
	require.Equal(t, api.StateNeedsVerification, res.State)
	require.Equal(t, 3, res.Calls)
	require.Equal(t, 1, b.calls[api.OpSignUp])
}

func TestAdvance_AlreadyVerifiedRechecksStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("backend moved on", func(t *testing.T) {
		b := newFakeBackend()
		b.status = []statusReply{reply(api.AccountVerificationRequired), reply(api.AccountProvisioning)}
		b.start = []error{rejected(api.OpStartVerification, "already verified").WithCause(api.ErrAlreadyVerified)}
		eng, _ := newTestEngine(t, b)

		_, _ = eng.Advance(ctx, api.Fields{})
		res, err := eng.Advance(ctx, phoneFields)
		require.NoError(t, err)
		require.Equal(t, api.StateProvisioning, res.State)
		require.Nil(t, res.Err)
	})

	t.Run("backend still wants verification", func(t *testing.T) {
		b := newFakeBackend()
		b.status = []statusReply{reply(api.AccountVerificationRequired)}
		b.start = []error{rejected(api.OpStartVerification, "already verified").WithCause(api.ErrAlreadyVerified)}
		eng, _ := newTestEngine(t, b)

		_, _ = eng.Advance(ctx, api.Fields{})
		res, err := eng.Advance(ctx, phoneFields)
		require.NoError(t, err)
		require.Equal(t, api.StateNeedsVerification, res.State)
		require.ErrorIs(t, res.Err, api.ErrAlreadyVerified)
	})
}

func TestAdvance_ProvisioningPollsUntilReady(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend()
	b.status = []statusReply{reply(api.AccountProvisioning)}
	b.poll = []statusReply{reply(api.AccountProvisioning), reply(api.AccountProvisioning), reply(api.AccountReady)}
	eng, _ := newTestEngine(t, b)

	res, err := eng.Advance(ctx, api.Fields{})
	require.NoError(t, err)
	require.Equal(t, api.StateProvisioning, res.State)

	for i := 0; i < 2; i++ {
		res, err = eng.Advance(ctx, api.Fields{})
		require.NoError(t, err)
		require.Equal(t, api.StateProvisioning, res.State)
		require.False(t, res.Interactive)
		require.Equal(t, 1, res.Calls)
	}

	res, err = eng.Advance(ctx, api.Fields{})
	require.NoError(t, err)
	require.Equal(t, api.StateReady, res.State)
	require.Equal(t, 3, b.calls[api.OpPollProvisioning])
}

func TestAdvance_PollReportingVerificationGoesBack(t *testing.T) {
	b := newFakeBackend()
	b.status = []statusReply{reply(api.AccountProvisioning)}
	b.poll = []statusReply{reply(api.AccountVerificationRequired)}
	eng, _ := newTestEngine(t, b)

	_, _ = eng.Advance(context.Background(), api.Fields{})
	res, err := eng.Advance(context.Background(), api.Fields{})
	require.NoError(t, err)
	require.Equal(t, api.StateNeedsVerification, res.State)
}

func TestAdvance_IsDeterministicForSameScript(t *testing.T) {
	run := func() []api.Result {
		b := newFakeBackend()
		b.status = []statusReply{reply(api.AccountVerificationRequired)}
		b.poll = []statusReply{reply(api.AccountReady)}
		eng, _ := newTestEngine(t, b)

		var out []api.Result
		for _, f := range []api.Fields{{}, {}, phoneFields, codeFields, codeFields} {
			res, err := eng.Advance(context.Background(), f)
			require.NoError(t, err)
			out = append(out, res)
		}
		return out
	}
	require.Equal(t, run(), run())
}

func TestAdvance_ConcurrentAdvanceFailsFast(t *testing.T) {
	b := newFakeBackend()
	b.status = []statusReply{reply(api.AccountVerificationRequired)}
	b.entered = make(chan struct{}, 1)
	b.release = make(chan struct{})
	eng, _ := newTestEngine(t, b)

	done := make(chan error, 1)
	go func() {
		_, err := eng.Advance(context.Background(), api.Fields{})
		done <- err
	}()

	<-b.entered
	res, err := eng.Advance(context.Background(), api.Fields{})
	require.ErrorIs(t, err, api.ErrConcurrentAdvance)
	require.Equal(t, api.StateInitializing, res.State)

	close(b.release)
	require.NoError(t, <-done)
	require.Equal(t, api.StateNeedsVerification, eng.State())
}

func TestAdvance_CancelledContextLeavesStateUntouched(t *testing.T) {
	b := newFakeBackend()
	b.status = []statusReply{reply(api.AccountVerificationRequired)}
	eng, _ := newTestEngine(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := eng.Advance(ctx, api.Fields{})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, api.StateInitializing, res.State)
	require.Zero(t, b.totalCalls())
	require.Nil(t, eng.LastError())

	// The session is still usable with a live context.
	res, err = eng.Advance(context.Background(), api.Fields{})
	require.NoError(t, err)
	require.Equal(t, api.StateNeedsVerification, res.State)
}

func TestAdvance_CancelDuringBackoffLeavesStateUntouched(t *testing.T) {
	b := newFakeBackend()
	b.status = []statusReply{failWith(transient(api.OpStatus))}

	ctx, cancel := context.WithCancel(context.Background())
	eng, _ := newTestEngine(t, b, func(c *Config) {
		c.Sleep = func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		}
	})

	res, err := eng.Advance(ctx, api.Fields{})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, api.StateInitializing, res.State)
	require.Equal(t, 1, res.Calls)
}
