package api

import (
	"sort"
	"strings"
	"time"
)

// State is a named state of the provisioning workflow.
type State string

const (
	StateInitializing           State = "INITIALIZING"
	StateCheckingStatus         State = "CHECKING_STATUS"
	StateNeedsVerification      State = "NEEDS_VERIFICATION"
	StateConfirmingVerification State = "CONFIRMING_VERIFICATION"
	StateProvisioning           State = "PROVISIONING"
	StateReady                  State = "READY"
	StateFailed                 State = "FAILED"
)

// Terminal reports whether no further progress is possible from s.
func (s State) Terminal() bool {
	return s == StateReady || s == StateFailed
}

// AcceptsInput reports whether s consumes caller-supplied fields.
func (s State) AcceptsInput() bool {
	return len(RequiredFields(s)) > 0
}

func (s State) String() string {
	return string(s)
}

// Field names a piece of caller-supplied input. The set is closed.
type Field string

const (
	FieldCountryCode      Field = "countryCode"
	FieldPhoneNumber      Field = "phoneNumber"
	FieldVerificationCode Field = "verificationCode"
)

// KnownFields lists every field the engine understands, in prompt order.
var KnownFields = []Field{FieldCountryCode, FieldPhoneNumber, FieldVerificationCode}

// RequiredFields returns the fields a state consumes, in prompt order.
// States that take no input return nil.
func RequiredFields(s State) []Field {
	switch s {
	case StateNeedsVerification:
		return []Field{FieldCountryCode, FieldPhoneNumber}
	case StateConfirmingVerification:
		return []Field{FieldVerificationCode}
	default:
		return nil
	}
}

func isKnownField(name Field) bool {
	for _, f := range KnownFields {
		if f == name {
			return true
		}
	}
	return false
}

// Fields is an immutable snapshot of caller-supplied values.
//
// The zero value is an empty snapshot. Every mutator returns a new
// snapshot and leaves the receiver untouched, so a Fields value can be
// shared freely between goroutines.
type Fields struct {
	values map[Field]string
}

// NewFields builds a snapshot from kv. Unknown field names and blank
// values are dropped.
func NewFields(kv map[Field]string) Fields {
	out := Fields{values: make(map[Field]string, len(kv))}
	for k, v := range kv {
		v = strings.TrimSpace(v)
		if v == "" || !isKnownField(k) {
			continue
		}
		out.values[k] = v
	}
	return out
}

// Get returns the value for name, or "" when unset.
func (f Fields) Get(name Field) string {
	return f.values[name]
}

// Has reports whether name carries a non-blank value.
func (f Fields) Has(name Field) bool {
	return f.values[name] != ""
}

// Len returns the number of populated fields.
func (f Fields) Len() int {
	return len(f.values)
}

// With returns a copy of f with name set to value. A blank value removes
// the field.
func (f Fields) With(name Field, value string) Fields {
	out := f.clone()
	value = strings.TrimSpace(value)
	if value == "" || !isKnownField(name) {
		delete(out.values, name)
		return out
	}
	out.values[name] = value
	return out
}

// Merge returns a copy of f overlaid with every populated value of other.
// Values present only in f are retained.
func (f Fields) Merge(other Fields) Fields {
	out := f.clone()
	for k, v := range other.values {
		out.values[k] = v
	}
	return out
}

// Missing returns the subset of names that f does not carry.
func (f Fields) Missing(names ...Field) []Field {
	var out []Field
	for _, n := range names {
		if !f.Has(n) {
			out = append(out, n)
		}
	}
	return out
}

// SameValues reports whether f and other carry identical, non-blank
// values for every one of names.
func (f Fields) SameValues(other Fields, names ...Field) bool {
	if len(names) == 0 {
		return false
	}
	for _, n := range names {
		if !f.Has(n) || f.Get(n) != other.Get(n) {
			return false
		}
	}
	return true
}

// Names returns the populated field names in a stable order. It never
// exposes values, which makes it safe for logs.
func (f Fields) Names() []Field {
	out := make([]Field, 0, len(f.values))
	for k := range f.values {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (f Fields) clone() Fields {
	out := Fields{values: make(map[Field]string, len(f.values)+1)}
	for k, v := range f.values {
		out.values[k] = v
	}
	return out
}

// Account describes a provisioned sandbox account.
type Account struct {
	Username          string
	CompliantUsername string
	ConsoleURL        string
	CheDashboardURL   string
	APIEndpoint       string
	ClusterName       string
}

// Result is returned by every Engine.Advance call.
type Result struct {
	SessionID string

	// Previous is the state Advance was called in; State is the state it
	// left the session in.
	Previous State
	State    State

	// Interactive is true exactly when Advance returned the state it was
	// called with, made no remote call, and is waiting for Required.
	Interactive bool
	Required    []Field

	// Err is the session's last classified error. It survives interactive
	// returns so a caller can re-prompt with it, and is cleared by the next
	// successful transition.
	Err error

	// Account is populated once State is StateReady.
	Account *Account

	// Calls counts the remote calls performed, retries included.
	Calls int
}

// RetryPolicy controls how transient backend failures are retried inside
// a single Advance. MaxAttempts includes the first attempt:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 4 => initial call + up to 3 retries
//
// The delay before retry n is InitialBackoff * BackoffMultiplier^(n-1),
// capped at MaxBackoff when that is positive. A server-provided
// Retry-After acts as a floor for the delay, bounded by RetryAfterLimit.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64

	// RetryAfterCeiling bounds a server-requested Retry-After. Zero means
	// MaxBackoff, or DefaultRetryAfterCeiling when MaxBackoff is zero too.
	RetryAfterCeiling time.Duration

	// IgnoreRetryAfter makes the engine use its own backoff only.
	IgnoreRetryAfter bool
}

// DefaultRetryAfterCeiling bounds Retry-After when a policy sets no
// ceiling of its own. Advance never waits longer than this per retry.
const DefaultRetryAfterCeiling = 8 * time.Second

// RetryAfterLimit returns the longest server-requested delay p honors.
// Zero means Retry-After is ignored.
func (p RetryPolicy) RetryAfterLimit() time.Duration {
	switch {
	case p.IgnoreRetryAfter:
		return 0
	case p.RetryAfterCeiling > 0:
		return p.RetryAfterCeiling
	case p.MaxBackoff > 0:
		return p.MaxBackoff
	default:
		return DefaultRetryAfterCeiling
	}
}

// Delay returns the wait before retry n (1-based) after a failure that
// carried retryAfter.
func (p RetryPolicy) Delay(n int, retryAfter time.Duration) time.Duration {
	multiplier := p.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	d := p.InitialBackoff
	for i := 1; i < n; i++ {
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			break
		}
		d = time.Duration(float64(d) * multiplier)
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	if ra := min(retryAfter, p.RetryAfterLimit()); ra > d {
		d = ra
	}
	return d
}

// DefaultRetryPolicy is used when an engine is built without one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       4,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        8 * time.Second,
		BackoffMultiplier: 2.0,
	}
}
