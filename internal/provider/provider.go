// Package provider defines the narrow interface every image-synthesis backend
// implements, and the failure classification the orchestrator acts on.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failed provider call.
type Kind string

const (
	// KindTransient covers 5xx responses and network errors.
	KindTransient Kind = "TRANSIENT"
	// KindRateLimited is an HTTP 429 from the provider.
	KindRateLimited Kind = "RATE_LIMITED"
	// KindQuotaExhausted is a provider-side billing or capacity refusal.
	KindQuotaExhausted Kind = "QUOTA_EXHAUSTED"
	// KindSafetyBlocked is a content filter refusal.
	KindSafetyBlocked Kind = "SAFETY_BLOCKED"
	// KindNoResult is a successful response without a usable image.
	KindNoResult Kind = "NO_RESULT"
	// KindRejected is any other 4xx: the same request would fail again, but
	// another candidate may accept it.
	KindRejected Kind = "REJECTED"
)

// Retryable reports whether the same candidate may be attempted again.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransient, KindSafetyBlocked, KindNoResult:
		return true
	}
	return false
}

// Aborts reports whether the failure ends the whole request immediately.
func (k Kind) Aborts() bool {
	return k == KindRateLimited || k == KindQuotaExhausted
}

// Failure is a classified provider error. Status is the raw HTTP status, or 0
// when no response was received.
type Failure struct {
	Kind     Kind
	Provider string
	Model    string
	Status   int
	Detail   string
	Err      error
}

func (f *Failure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s/%s: %s", f.Provider, f.Model, f.Kind)
	if f.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", f.Status)
	}
	if f.Detail != "" {
		b.WriteString(": ")
		b.WriteString(f.Detail)
	}
	if f.Err != nil {
		b.WriteString(": ")
		b.WriteString(f.Err.Error())
	}
	return b.String()
}

func (f *Failure) Unwrap() error { return f.Err }

// Classify returns err as a *Failure. Errors that carry no classification
// are treated as transient.
func Classify(err error, providerName, model string) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		if f.Provider == "" {
			f.Provider = providerName
		}
		if f.Model == "" {
			f.Model = model
		}
		return f
	}
	return &Failure{Kind: KindTransient, Provider: providerName, Model: model, Err: err}
}

// ClassifyStatus maps a non-2xx HTTP response to a failure kind.
func ClassifyStatus(status int, body string) Kind {
	switch {
	case status == 429:
		return KindRateLimited
	case status == 402 || status == 403 || strings.Contains(body, "QUOTA"):
		return KindQuotaExhausted
	case status >= 400 && status < 500:
		return KindRejected
	default:
		return KindTransient
	}
}

// Image is an encoded image with its media type.
type Image struct {
	Data     []byte
	MIMEType string
}

// Images are the inputs of one try-on synthesis.
type Images struct {
	Subject Image
	Garment Image
}

// Result is a successful synthesis. Note is any text the provider returned
// alongside the image.
type Result struct {
	Image Image
	Note  string
}

// Provider is one generative-image backend.
type Provider interface {
	Name() string
	Generate(ctx context.Context, model string, in Images) (Result, error)
}

// Describer is implemented by providers that can caption the garment.
type Describer interface {
	Describe(ctx context.Context, garment Image) (string, error)
}

// Candidate is a (provider, model) pair the orchestrator may attempt.
type Candidate struct {
	Provider string
	Model    string
}

func (c Candidate) String() string { return c.Provider + ":" + c.Model }

// ParseCandidates parses a comma-separated "provider:model" list, in priority order.
func ParseCandidates(s string) ([]Candidate, error) {
	var out []Candidate
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, model, ok := strings.Cut(part, ":")
		if !ok || name == "" || model == "" {
			return nil, fmt.Errorf("invalid candidate %q, want provider:model", part)
		}
		out = append(out, Candidate{Provider: name, Model: model})
	}
	if len(out) == 0 {
		return nil, errors.New("no candidates configured")
	}
	return out, nil
}
