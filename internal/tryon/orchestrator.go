// Package tryon drives a generation request across provider candidates and
// charges the store only once a real image is in hand.
package tryon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/provadorai/provador/internal/metrics"
	"github.com/provadorai/provador/internal/model"
	"github.com/provadorai/provador/internal/provider"
	"github.com/provadorai/provador/internal/store"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 2 * time.Second

	archiveTimeout = 30 * time.Second
)

// Ledger is the subset of the credit ledger the orchestrator needs.
type Ledger interface {
	CheckEligibility(ctx context.Context, storeID string) (model.Eligibility, error)
	Consume(ctx context.Context, storeID, idempotencyKey string) (model.ConsumeResult, error)
	// LookupConsumption returns nil when the key has not been charged.
	LookupConsumption(ctx context.Context, storeID, idempotencyKey string) (*model.Consumption, error)
}

// Archiver stores delivered results. Failures never affect the request.
type Archiver interface {
	Store(ctx context.Context, storeID, key string, img provider.Image) error
}

// Config holds the attempt policy.
type Config struct {
	// Candidates in priority order.
	Candidates []provider.Candidate
	// MaxAttempts per candidate.
	MaxAttempts int
	// BaseDelay is multiplied by the attempt number between retries.
	BaseDelay time.Duration
}

// Orchestrator runs generation requests. It is safe for concurrent use; each
// Generate call keeps its own state.
type Orchestrator struct {
	ledger    Ledger
	providers map[string]provider.Provider
	cfg       Config
	archive   Archiver
	logger    *slog.Logger
}

// New validates that every candidate names a registered provider.
func New(ledger Ledger, providers []provider.Provider, cfg Config, archive Archiver, logger *slog.Logger) (*Orchestrator, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if len(cfg.Candidates) == 0 {
		return nil, errors.New("tryon: no candidates configured")
	}

	byName := make(map[string]provider.Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	for _, c := range cfg.Candidates {
		if _, ok := byName[c.Provider]; !ok {
			return nil, fmt.Errorf("tryon: candidate %s references unknown provider", c)
		}
	}

	return &Orchestrator{
		ledger:    ledger,
		providers: byName,
		cfg:       cfg,
		archive:   archive,
		logger:    logger,
	}, nil
}

// Request is one try-on generation.
type Request struct {
	StoreID string
	Subject provider.Image
	Garment provider.Image
	// IdempotencyKey ties the request to at most one deduction. Generated when empty.
	IdempotencyKey string
}

// Attempt is one entry of the request's attempt log.
type Attempt struct {
	Candidate provider.Candidate
	N         int
	Kind      provider.Kind // empty on success
	Status    int
	Duration  time.Duration
}

// Outcome is a successful generation.
type Outcome struct {
	Image          provider.Image
	Description    string
	Candidate      provider.Candidate
	IdempotencyKey string
	Attempts       []Attempt
	// Charged is false when the ledger could not be reached after generation;
	// the deduction is then left to reconciliation.
	Charged          bool
	CreditsRemaining *int
}

// Generate runs req to a terminal outcome. Errors are *Error.
//
// Cancelling ctx abandons the request: no further attempts are started and,
// as long as consume has not been reached, nothing is charged. A provider call
// already in flight is allowed to finish.
func (o *Orchestrator) Generate(ctx context.Context, req Request) (*Outcome, error) {
	start := time.Now()
	if len(req.Subject.Data) == 0 || len(req.Garment.Data) == 0 {
		return nil, o.fail(invalidInput(errors.New("missing image")))
	}
	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	log := o.logger.With("store_id", req.StoreID, "idempotency_key", key)

	// A key that already paid for a generation never buys another one.
	if req.IdempotencyKey != "" {
		prior, err := o.ledger.LookupConsumption(ctx, req.StoreID, key)
		if err != nil {
			log.Error("idempotency lookup failed", "error", err)
			return nil, o.fail(ledgerUnavailable("lookup consumption", err))
		}
		if prior != nil {
			log.Info("idempotency key already charged", "consumed_at", prior.CreatedAt)
			return nil, o.fail(duplicate())
		}
	}

	elig, err := o.ledger.CheckEligibility(ctx, req.StoreID)
	if errors.Is(err, store.ErrAccountNotFound) {
		log.Info("generation for unknown store")
		return nil, o.fail(storeNotFound())
	}
	if err != nil {
		log.Error("eligibility check failed", "error", err)
		return nil, o.fail(ledgerUnavailable("check eligibility", err))
	}
	if !elig.Allowed {
		log.Info("generation blocked", "reason", elig.Reason)
		return nil, o.fail(blocked(elig.Reason))
	}

	in := provider.Images{Subject: req.Subject, Garment: req.Garment}
	var (
		attempts []Attempt
		result   provider.Result
		winner   provider.Candidate
		last     *provider.Failure
		ok       bool
	)
	for _, c := range o.cfg.Candidates {
		if err := ctx.Err(); err != nil {
			log.Info("request abandoned", "attempts", len(attempts))
			return nil, o.fail(canceled(err))
		}

		res, f, err := o.runCandidate(ctx, c, in, &attempts, log)
		if err != nil {
			log.Info("request abandoned", "attempts", len(attempts))
			return nil, o.fail(canceled(err))
		}
		if f == nil {
			result, winner, ok = res, c, true
			break
		}
		if f.Kind.Aborts() {
			log.Warn("provider refused request", "provider", f.Provider, "model", f.Model, "kind", f.Kind, "status", f.Status, "detail", f.Detail)
			return nil, o.fail(aborted(f))
		}
		last = f
		log.Warn("candidate exhausted", "candidate", c.String(), "last_kind", f.Kind)
	}
	if !ok {
		log.Error("all providers exhausted", "attempts", len(attempts), "last", last)
		return nil, o.fail(exhausted(last))
	}

	description := o.describe(ctx, winner, req.Garment, log)

	if err := ctx.Err(); err != nil {
		log.Info("request abandoned before charge", "candidate", winner.String())
		return nil, o.fail(canceled(err))
	}

	out := &Outcome{
		Image:          result.Image,
		Description:    description,
		Candidate:      winner,
		IdempotencyKey: key,
		Attempts:       attempts,
	}

	// The image exists; from here the charge must not depend on the caller.
	consumeCtx := context.WithoutCancel(ctx)
	res, err := o.ledger.Consume(consumeCtx, req.StoreID, key)
	switch {
	case err != nil:
		// Known gap: the result is delivered uncharged and left for reconciliation.
		metrics.LedgerConsumes.WithLabelValues("unavailable").Inc()
		log.Warn("consume failed after generation, delivering uncharged", "kind", KindLedgerUnavailable, "error", err)
	case res.Replayed:
		// Another request with this key was charged while this one generated.
		metrics.LedgerConsumes.WithLabelValues("replayed").Inc()
		log.Warn("idempotency key charged concurrently, withholding result")
		return nil, o.fail(duplicate())
	case !res.Success:
		metrics.LedgerConsumes.WithLabelValues("refused").Inc()
		log.Warn("consume refused after generation, withholding result", "error", res.Error)
		reason := model.BlockReason(res.Error)
		if reason != model.ReasonTrialExpired {
			reason = model.ReasonNoCredits
		}
		return nil, o.fail(blocked(reason))
	default:
		metrics.LedgerConsumes.WithLabelValues("charged").Inc()
		out.Charged = true
		out.CreditsRemaining = res.CreditsRemaining
	}

	if o.archive != nil {
		go o.store(consumeCtx, req.StoreID, key, result.Image, log)
	}

	metrics.GenerationOutcomes.WithLabelValues("success").Inc()
	log.Info("generation complete",
		"candidate", winner.String(),
		"attempts", len(attempts),
		"charged", out.Charged,
		"duration", time.Since(start),
	)
	return out, nil
}

// runCandidate attempts one candidate up to MaxAttempts times. It returns the
// result, or the last classified failure. A non-nil error means ctx was
// cancelled while waiting to retry.
func (o *Orchestrator) runCandidate(ctx context.Context, c provider.Candidate, in provider.Images, log *[]Attempt, logger *slog.Logger) (provider.Result, *provider.Failure, error) {
	p := o.providers[c.Provider]

	var (
		result provider.Result
		last   *provider.Failure
		n      int
	)
	backoff := retry.WithMaxRetries(uint64(o.cfg.MaxAttempts-1), linearBackoff(o.cfg.BaseDelay))
	err := retry.Do(ctx, backoff, func(_ context.Context) error {
		n++
		started := time.Now()
		res, err := p.Generate(context.WithoutCancel(ctx), c.Model, in)
		elapsed := time.Since(started)
		metrics.ProviderLatency.WithLabelValues(c.Provider, c.Model).Observe(elapsed.Seconds())

		if err == nil && len(res.Image.Data) == 0 {
			err = &provider.Failure{Kind: provider.KindNoResult, Detail: "empty image payload"}
		}
		if err == nil {
			metrics.ProviderAttempts.WithLabelValues(c.Provider, c.Model, "success").Inc()
			*log = append(*log, Attempt{Candidate: c, N: n, Duration: elapsed})
			result = res
			return nil
		}

		f := provider.Classify(err, c.Provider, c.Model)
		last = f
		metrics.ProviderAttempts.WithLabelValues(c.Provider, c.Model, string(f.Kind)).Inc()
		*log = append(*log, Attempt{Candidate: c, N: n, Kind: f.Kind, Status: f.Status, Duration: elapsed})
		logger.Warn("provider attempt failed",
			"provider", c.Provider,
			"model", c.Model,
			"attempt", n,
			"kind", f.Kind,
			"status", f.Status,
			"detail", f.Detail,
			"error", f.Err,
		)

		if f.Kind.Retryable() {
			return retry.RetryableError(f)
		}
		return f
	})

	if err == nil {
		return result, nil, nil
	}
	if last == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return provider.Result{}, nil, ctxErr
		}
	}
	return provider.Result{}, last, nil
}

// linearBackoff waits base, 2*base, 3*base, ... between attempts.
func linearBackoff(base time.Duration) retry.Backoff {
	var n int64
	return retry.BackoffFunc(func() (time.Duration, bool) {
		n++
		return time.Duration(n) * base, false
	})
}

// describe asks the winning provider for a caption, falling back to the
// default on any failure.
func (o *Orchestrator) describe(ctx context.Context, c provider.Candidate, garment provider.Image, log *slog.Logger) string {
	d, ok := o.providers[c.Provider].(provider.Describer)
	if !ok {
		return DefaultCaption
	}
	text, err := d.Describe(context.WithoutCancel(ctx), garment)
	if err != nil || text == "" {
		metrics.CaptionFallbacks.Inc()
		log.Warn("caption failed, using default", "provider", c.Provider, "error", err)
		return DefaultCaption
	}
	return text
}

func (o *Orchestrator) store(ctx context.Context, storeID, key string, img provider.Image, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, archiveTimeout)
	defer cancel()
	if err := o.archive.Store(ctx, storeID, key, img); err != nil {
		log.Warn("archive result failed", "error", err)
	}
}

func (o *Orchestrator) fail(e *Error) *Error {
	metrics.GenerationOutcomes.WithLabelValues(string(e.Kind)).Inc()
	return e
}
