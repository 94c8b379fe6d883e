// Package ai abstracts the generative providers behind a single interface.
package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Params tunes a single generation call. MaxTokens above a provider's cap
// is clamped to the cap, never rejected.
type Params struct {
	MaxTokens   int
	Temperature float64
}

// Answer is one finished generation.
type Answer struct {
	Text       string
	TokensUsed int
	Model      string
}

type Provider interface {
	Name() string
	Generate(ctx context.Context, prompt string, p Params) (Answer, error)
}

// Pinger is an optional interface. Providers may implement a cheap
// reachability check that performs no generation.
type Pinger interface {
	Ping(ctx context.Context) error
}

var (
	ErrEmptyPrompt      = errors.New("ai: prompt is empty")
	ErrMaxTokens        = errors.New("ai: max tokens must be positive")
	ErrTemperatureRange = errors.New("ai: temperature must be between 0 and 2")
)

// validate rejects bad parameters before any network call is made.
func (p Params) validate(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return ErrEmptyPrompt
	}
	if p.MaxTokens <= 0 {
		return ErrMaxTokens
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		return ErrTemperatureRange
	}
	return nil
}

func (p Params) clampTokens(limit int) int {
	if p.MaxTokens > limit {
		return limit
	}
	return p.MaxTokens
}

type Kind string

const (
	KindRateLimited        Kind = "rate_limited"
	KindTimeout            Kind = "timeout"
	KindInvalidCredentials Kind = "invalid_credentials"
	KindUnavailable        Kind = "provider_unavailable"
)

// GenerationError reports a failed provider call. Kind tells the caller
// whether a retry can help; Transient is true only for rate limits and
// timeouts.
type GenerationError struct {
	Provider string
	Kind     Kind
	Status   int // upstream HTTP status, 0 for transport failures
	Msg      string
	Err      error
}

func (e *GenerationError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *GenerationError) Unwrap() error { return e.Err }

func (e *GenerationError) Transient() bool {
	return e.Kind == KindRateLimited || e.Kind == KindTimeout
}

// transportError classifies a failed round trip: deadline and timeout
// errors become KindTimeout, everything else KindUnavailable.
func transportError(provider string, err error) *GenerationError {
	kind := KindUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	} else {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			kind = KindTimeout
		}
	}
	return &GenerationError{Provider: provider, Kind: kind, Err: err}
}

func statusError(provider string, status int, msg string) *GenerationError {
	var kind Kind
	switch {
	case status == 401 || status == 403:
		kind = KindInvalidCredentials
	case status == 429:
		kind = KindRateLimited
	default:
		kind = KindUnavailable
	}
	return &GenerationError{Provider: provider, Kind: kind, Status: status, Msg: msg}
}
