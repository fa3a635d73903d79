package sandboxctl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/sandboxctl/pkg/api"
)

// PromptRequest describes one value a Prompter must collect.
type PromptRequest struct {
	State State
	Field Field

	// Label is a short human name for Field, e.g. "Phone number".
	Label string

	// Message explains why input is needed. It is set on the first
	// prompt of a state only.
	Message string

	// Err is the backend's rejection of the previous value, if any.
	Err error
}

// Prompter collects field values from a user.
type Prompter interface {
	Prompt(ctx context.Context, req PromptRequest) (string, error)
}

// PromptFunc adapts a function to the Prompter interface.
type PromptFunc func(ctx context.Context, req PromptRequest) (string, error)

func (f PromptFunc) Prompt(ctx context.Context, req PromptRequest) (string, error) {
	return f(ctx, req)
}

// ErrPollLimit is returned by Driver.Run when provisioning does not finish
// within MaxPolls polls.
var ErrPollLimit = errors.New("sandboxctl: account still provisioning after poll limit")

var (
	fieldLabels = map[Field]string{
		api.FieldCountryCode:      "Country code",
		api.FieldPhoneNumber:      "Phone number",
		api.FieldVerificationCode: "Verification code",
	}
	stateMessages = map[State]string{
		api.StateNeedsVerification:      "Your Red Hat Developer Sandbox needs to be verified, enter your country code and phone number.",
		api.StateConfirmingVerification: "Enter the verification code received on your phone.",
	}
)

// Driver runs a session to completion, prompting for input whenever the
// engine waits for it and pacing provisioning polls.
//
// Typical usage:
//
//	eng, _ := sandboxctl.NewEngine(apiURL, token)
//	d := &sandboxctl.Driver{Engine: eng, Prompter: prompter}
//	res, err := d.Run(ctx, sandboxctl.Fields{})
type Driver struct {
	Engine   Engine
	Prompter Prompter

	// PollInterval separates consecutive provisioning polls. Zero means
	// 5 seconds.
	PollInterval time.Duration

	// MaxPolls bounds the number of provisioning polls. Zero means no
	// bound.
	MaxPolls int

	Logger *slog.Logger
}

// Run advances the session until it is Ready or Failed, ctx is done, or
// the engine reports an unrecoverable error. initial pre-fills fields,
// for example from command-line flags.
func (d *Driver) Run(ctx context.Context, initial Fields) (Result, error) {
	if d.Engine == nil {
		return Result{}, errors.New("sandboxctl: driver has no engine")
	}
	interval := d.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	fields := initial
	polls := 0
	var prompted State
	for {
		res, err := d.Engine.Advance(ctx, fields)
		if err != nil {
			return res, err
		}
		if res.State.Terminal() {
			if res.State == api.StateFailed {
				return res, res.Err
			}
			return res, nil
		}

		if res.Interactive {
			if d.Prompter == nil {
				return res, fmt.Errorf("sandboxctl: input required for %v and no prompter configured", res.Required)
			}
			for i, name := range res.Required {
				req := PromptRequest{State: res.State, Field: name, Label: fieldLabels[name]}
				if i == 0 {
					req.Err = res.Err
					if prompted != res.State {
						req.Message = stateMessages[res.State]
					}
				}
				value, err := d.Prompter.Prompt(ctx, req)
				if err != nil {
					return res, err
				}
				fields = fields.With(name, value)
			}
			prompted = res.State
			continue
		}

		if res.State == api.StateProvisioning {
			if res.Previous == api.StateProvisioning {
				polls++
				if d.MaxPolls > 0 && polls >= d.MaxPolls {
					return res, ErrPollLimit
				}
			}
			logger.DebugContext(ctx, "poll_wait",
				slog.String("session_id", res.SessionID),
				slog.Int("poll", polls),
				slog.Duration("interval", interval),
			)
			if err := wait(ctx, interval); err != nil {
				return res, err
			}
		}
	}
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
