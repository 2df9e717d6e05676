package tryon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/provadorai/provador/internal/model"
	"github.com/provadorai/provador/internal/provider"
	"github.com/provadorai/provador/internal/store"
)

// eventLog records provider and ledger calls in order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) count(e string) int {
	n := 0
	for _, got := range l.all() {
		if got == e {
			n++
		}
	}
	return n
}

type step struct {
	img  []byte
	kind provider.Kind
	fn   func()
}

// fakeProvider replays scripted steps per model. The last step repeats.
type fakeProvider struct {
	name    string
	log     *eventLog
	mu      sync.Mutex
	scripts map[string][]step
	calls   map[string]int
	caption string
	descErr error
}

func newFakeProvider(name string, log *eventLog) *fakeProvider {
	return &fakeProvider{name: name, log: log, scripts: map[string][]step{}, calls: map[string]int{}}
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) script(model string, steps ...step) *fakeProvider {
	p.scripts[model] = steps
	return p
}

func (p *fakeProvider) Generate(ctx context.Context, model string, in provider.Images) (provider.Result, error) {
	p.mu.Lock()
	steps := p.scripts[model]
	i := p.calls[model]
	p.calls[model]++
	p.mu.Unlock()

	p.log.add("generate " + p.name + ":" + model)
	if len(steps) == 0 {
		return provider.Result{}, &provider.Failure{Kind: provider.KindNoResult}
	}
	if i >= len(steps) {
		i = len(steps) - 1
	}
	s := steps[i]
	if s.fn != nil {
		s.fn()
	}
	if s.kind != "" {
		return provider.Result{}, &provider.Failure{Kind: s.kind, Status: 500}
	}
	return provider.Result{Image: provider.Image{Data: s.img, MIMEType: "image/png"}}, nil
}

func (p *fakeProvider) callCount(model string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[model]
}

// describingProvider adds captions to fakeProvider.
type describingProvider struct{ *fakeProvider }

func (p describingProvider) Describe(ctx context.Context, garment provider.Image) (string, error) {
	p.log.add("describe " + p.name)
	if p.descErr != nil {
		return "", p.descErr
	}
	return p.caption, nil
}

type fakeLedger struct {
	log        *eventLog
	elig       model.Eligibility
	eligErr    error
	result     model.ConsumeResult
	consumeErr error
	lookupErr  error

	mu       sync.Mutex
	keys     []string
	consumed map[string]*model.Consumption
}

func (l *fakeLedger) LookupConsumption(ctx context.Context, storeID, key string) (*model.Consumption, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.consumed[key], l.lookupErr
}

func (l *fakeLedger) CheckEligibility(ctx context.Context, storeID string) (model.Eligibility, error) {
	l.log.add("eligibility")
	return l.elig, l.eligErr
}

func (l *fakeLedger) Consume(ctx context.Context, storeID, key string) (model.ConsumeResult, error) {
	l.log.add("consume")
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, key)
	if l.consumeErr == nil && l.result.Success && !l.result.Replayed {
		if l.consumed == nil {
			l.consumed = map[string]*model.Consumption{}
		}
		l.consumed[key] = &model.Consumption{StoreID: storeID, IdempotencyKey: key, CreatedAt: time.Now()}
	}
	return l.result, l.consumeErr
}

type fakeArchive struct {
	done chan string
}

func (a *fakeArchive) Store(ctx context.Context, storeID, key string, img provider.Image) error {
	a.done <- storeID + "/" + key
	return nil
}

func intPtr(n int) *int { return &n }

func allowedLedger(log *eventLog) *fakeLedger {
	return &fakeLedger{
		log:    log,
		elig:   model.Eligibility{Allowed: true},
		result: model.ConsumeResult{Success: true, CreditsRemaining: intPtr(9)},
	}
}

func testRequest() Request {
	return Request{
		StoreID:        "store-1",
		Subject:        provider.Image{Data: []byte("subject"), MIMEType: "image/jpeg"},
		Garment:        provider.Image{Data: []byte("garment"), MIMEType: "image/jpeg"},
		IdempotencyKey: "req-1",
	}
}

func newTestOrchestrator(t *testing.T, ledger Ledger, archive Archiver, candidates string, providers ...provider.Provider) *Orchestrator {
	t.Helper()
	cands, err := provider.ParseCandidates(candidates)
	if err != nil {
		t.Fatalf("parse candidates: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o, err := New(ledger, providers, Config{Candidates: cands, BaseDelay: time.Millisecond}, archive, logger)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o
}

func asError(t *testing.T, err error) *Error {
	t.Helper()
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("err = %v, want *Error", err)
	}
	return e
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	log := &eventLog{}
	cands, _ := provider.ParseCandidates("missing:m")
	_, err := New(allowedLedger(log), []provider.Provider{newFakeProvider("a", log)}, Config{Candidates: cands}, nil, slog.Default())
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}

	if _, err := New(allowedLedger(log), nil, Config{}, nil, slog.Default()); err == nil {
		t.Fatal("expected error for empty candidate list")
	}
}

func TestGenerateFallsBackAfterTransientFailures(t *testing.T) {
	log := &eventLog{}
	a := newFakeProvider("a", log).script("m1", step{kind: provider.KindTransient})
	b := newFakeProvider("b", log).script("m2", step{img: []byte("result")})
	ledger := allowedLedger(log)
	o := newTestOrchestrator(t, ledger, nil, "a:m1,b:m2", a, b)

	out, err := o.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if string(out.Image.Data) != "result" {
		t.Errorf("image = %q, want result", out.Image.Data)
	}
	if out.Candidate.Provider != "b" {
		t.Errorf("winner = %v, want b", out.Candidate)
	}
	if got := a.callCount("m1"); got != DefaultMaxAttempts {
		t.Errorf("attempts on a = %d, want %d", got, DefaultMaxAttempts)
	}
	if len(out.Attempts) != 4 {
		t.Errorf("attempt log = %d entries, want 4", len(out.Attempts))
	}
	if !out.Charged || out.CreditsRemaining == nil || *out.CreditsRemaining != 9 {
		t.Errorf("charged = %v remaining = %v, want true/9", out.Charged, out.CreditsRemaining)
	}
	if out.Description != DefaultCaption {
		t.Errorf("description = %q, want default caption", out.Description)
	}

	want := []string{"eligibility", "generate a:m1", "generate a:m1", "generate a:m1", "generate b:m2", "consume"}
	got := log.all()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestGenerateRateLimitAbortsImmediately(t *testing.T) {
	log := &eventLog{}
	a := newFakeProvider("a", log).script("m1", step{kind: provider.KindRateLimited})
	b := newFakeProvider("b", log).script("m2", step{img: []byte("result")})
	o := newTestOrchestrator(t, allowedLedger(log), nil, "a:m1,b:m2", a, b)

	_, err := o.Generate(context.Background(), testRequest())
	e := asError(t, err)
	if e.Kind != KindRateLimited {
		t.Errorf("kind = %s, want %s", e.Kind, KindRateLimited)
	}
	if e.HTTPStatus() != 429 {
		t.Errorf("status = %d, want 429", e.HTTPStatus())
	}
	if a.callCount("m1") != 1 {
		t.Errorf("attempts on a = %d, want 1", a.callCount("m1"))
	}
	if b.callCount("m2") != 0 {
		t.Error("second candidate should not be tried after rate limit")
	}
	if log.count("consume") != 0 {
		t.Error("consume should not be called")
	}
}

func TestGenerateQuotaAborts(t *testing.T) {
	log := &eventLog{}
	a := newFakeProvider("a", log).script("m1", step{kind: provider.KindTransient}, step{kind: provider.KindQuotaExhausted})
	b := newFakeProvider("b", log).script("m2", step{img: []byte("result")})
	o := newTestOrchestrator(t, allowedLedger(log), nil, "a:m1,b:m2", a, b)

	_, err := o.Generate(context.Background(), testRequest())
	e := asError(t, err)
	if e.Kind != KindQuotaExhausted {
		t.Errorf("kind = %s, want %s", e.Kind, KindQuotaExhausted)
	}
	if e.HTTPStatus() != 402 {
		t.Errorf("status = %d, want 402", e.HTTPStatus())
	}
	if a.callCount("m1") != 2 || b.callCount("m2") != 0 {
		t.Errorf("calls a=%d b=%d, want 2/0", a.callCount("m1"), b.callCount("m2"))
	}
}

func TestGenerateSafetyBlockIsRetried(t *testing.T) {
	log := &eventLog{}
	a := newFakeProvider("a", log).script("m1", step{kind: provider.KindSafetyBlocked}, step{img: []byte("second try")})
	ledger := allowedLedger(log)
	o := newTestOrchestrator(t, ledger, nil, "a:m1", a)

	out, err := o.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if string(out.Image.Data) != "second try" {
		t.Errorf("image = %q", out.Image.Data)
	}
	if out.Attempts[0].Kind != provider.KindSafetyBlocked || out.Attempts[1].Kind != "" {
		t.Errorf("attempts = %+v", out.Attempts)
	}
}

func TestGenerateExhaustedReportsLastFailure(t *testing.T) {
	log := &eventLog{}
	a := newFakeProvider("a", log).script("m1", step{kind: provider.KindTransient})
	b := newFakeProvider("b", log).script("m2", step{kind: provider.KindNoResult})
	o := newTestOrchestrator(t, allowedLedger(log), nil, "a:m1,b:m2", a, b)

	_, err := o.Generate(context.Background(), testRequest())
	e := asError(t, err)
	if e.Kind != KindExhaustedAllProviders {
		t.Fatalf("kind = %s, want %s", e.Kind, KindExhaustedAllProviders)
	}
	if e.Last == nil || e.Last.Kind != provider.KindNoResult || e.Last.Provider != "b" {
		t.Errorf("last = %+v, want NO_RESULT from b", e.Last)
	}
	if e.HTTPStatus() != 500 {
		t.Errorf("status = %d, want 500", e.HTTPStatus())
	}
	if log.count("generate a:m1") != 3 || log.count("generate b:m2") != 3 {
		t.Errorf("events = %v", log.all())
	}
	if log.count("consume") != 0 {
		t.Error("consume should not be called")
	}
}

func TestGenerateEmptyImageIsNoResult(t *testing.T) {
	log := &eventLog{}
	a := newFakeProvider("a", log).script("m1", step{img: nil})
	o := newTestOrchestrator(t, allowedLedger(log), nil, "a:m1", a)

	_, err := o.Generate(context.Background(), testRequest())
	e := asError(t, err)
	if e.Kind != KindExhaustedAllProviders || e.Last.Kind != provider.KindNoResult {
		t.Errorf("err = %v", e)
	}
}

func TestGenerateCaption(t *testing.T) {
	tests := []struct {
		name    string
		caption string
		err     error
		want    string
	}{
		{"provider caption", "Camiseta listrada com caimento natural.", nil, "Camiseta listrada com caimento natural."},
		{"caption error", "", errors.New("boom"), DefaultCaption},
		{"empty caption", "", nil, DefaultCaption},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := &eventLog{}
			fp := newFakeProvider("a", log).script("m1", step{img: []byte("img")})
			fp.caption = tt.caption
			fp.descErr = tt.err
			o := newTestOrchestrator(t, allowedLedger(log), nil, "a:m1", describingProvider{fp})

			out, err := o.Generate(context.Background(), testRequest())
			if err != nil {
				t.Fatalf("generate: %v", err)
			}
			if out.Description != tt.want {
				t.Errorf("description = %q, want %q", out.Description, tt.want)
			}
		})
	}
}

func TestGenerateBlockedByEligibility(t *testing.T) {
	for _, reason := range []model.BlockReason{model.ReasonTrialExpired, model.ReasonNoCredits} {
		t.Run(string(reason), func(t *testing.T) {
			log := &eventLog{}
			a := newFakeProvider("a", log).script("m1", step{img: []byte("img")})
			ledger := allowedLedger(log)
			ledger.elig = model.Eligibility{Allowed: false, Reason: reason}
			o := newTestOrchestrator(t, ledger, nil, "a:m1", a)

			_, err := o.Generate(context.Background(), testRequest())
			e := asError(t, err)
			if e.Kind != KindBlocked || e.Reason != reason {
				t.Errorf("err = %v, want BLOCKED %s", e, reason)
			}
			if e.HTTPStatus() != 402 {
				t.Errorf("status = %d, want 402", e.HTTPStatus())
			}
			if a.callCount("m1") != 0 {
				t.Error("provider should not be called when blocked")
			}
		})
	}
}

func TestGenerateEligibilityError(t *testing.T) {
	log := &eventLog{}
	a := newFakeProvider("a", log).script("m1", step{img: []byte("img")})
	ledger := allowedLedger(log)
	ledger.eligErr = errors.New("database is locked")
	o := newTestOrchestrator(t, ledger, nil, "a:m1", a)

	_, err := o.Generate(context.Background(), testRequest())
	e := asError(t, err)
	if e.Kind != KindLedgerUnavailable || e.HTTPStatus() != 500 {
		t.Errorf("err = %v status = %d", e, e.HTTPStatus())
	}
	if a.callCount("m1") != 0 {
		t.Error("provider should not be called")
	}
}

func TestGenerateUnknownStore(t *testing.T) {
	log := &eventLog{}
	a := newFakeProvider("a", log).script("m1", step{img: []byte("img")})
	ledger := allowedLedger(log)
	ledger.eligErr = store.ErrAccountNotFound
	o := newTestOrchestrator(t, ledger, nil, "a:m1", a)

	_, err := o.Generate(context.Background(), testRequest())
	e := asError(t, err)
	if e.Kind != KindStoreNotFound {
		t.Errorf("kind = %s, want %s", e.Kind, KindStoreNotFound)
	}
	if e.HTTPStatus() != 404 {
		t.Errorf("status = %d, want 404", e.HTTPStatus())
	}
	if a.callCount("m1") != 0 {
		t.Error("provider should not be called for an unknown store")
	}
}

func TestGenerateRejectsChargedKey(t *testing.T) {
	log := &eventLog{}
	a := newFakeProvider("a", log).script("m1", step{img: []byte("img")})
	ledger := allowedLedger(log)
	o := newTestOrchestrator(t, ledger, nil, "a:m1", a)

	if _, err := o.Generate(context.Background(), testRequest()); err != nil {
		t.Fatalf("first generate: %v", err)
	}

	out, err := o.Generate(context.Background(), testRequest())
	if out != nil {
		t.Fatal("a charged key must not buy a second image")
	}
	e := asError(t, err)
	if e.Kind != KindDuplicate || e.HTTPStatus() != 409 {
		t.Errorf("err = %v status = %d, want %s/409", e, e.HTTPStatus(), KindDuplicate)
	}
	if got := a.callCount("m1"); got != 1 {
		t.Errorf("provider calls = %d, want 1", got)
	}
	if got := log.count("consume"); got != 1 {
		t.Errorf("consumes = %d, want 1", got)
	}
	if got := log.count("eligibility"); got != 1 {
		t.Errorf("eligibility checks = %d, want 1", got)
	}
}

func TestGenerateLookupError(t *testing.T) {
	log := &eventLog{}
	a := newFakeProvider("a", log).script("m1", step{img: []byte("img")})
	ledger := allowedLedger(log)
	ledger.lookupErr = errors.New("database is locked")
	o := newTestOrchestrator(t, ledger, nil, "a:m1", a)

	_, err := o.Generate(context.Background(), testRequest())
	if e := asError(t, err); e.Kind != KindLedgerUnavailable {
		t.Errorf("kind = %s, want %s", e.Kind, KindLedgerUnavailable)
	}
	if a.callCount("m1") != 0 {
		t.Error("provider should not be called")
	}
}

func TestGenerateWithholdsReplayedConsume(t *testing.T) {
	log := &eventLog{}
	a := newFakeProvider("a", log).script("m1", step{img: []byte("img")})
	ledger := allowedLedger(log)
	// A concurrent request with the same key was charged first.
	ledger.result = model.ConsumeResult{Success: true, CreditsRemaining: intPtr(4), Replayed: true}
	o := newTestOrchestrator(t, ledger, nil, "a:m1", a)

	out, err := o.Generate(context.Background(), testRequest())
	if out != nil {
		t.Fatal("image must be withheld when the charge belongs to another request")
	}
	if e := asError(t, err); e.Kind != KindDuplicate {
		t.Errorf("kind = %s, want %s", e.Kind, KindDuplicate)
	}
}

func TestGenerateRejectedMovesToNextCandidate(t *testing.T) {
	log := &eventLog{}
	a := newFakeProvider("a", log).script("m1", step{kind: provider.KindRejected})
	b := newFakeProvider("b", log).script("m2", step{img: []byte("result")})
	o := newTestOrchestrator(t, allowedLedger(log), nil, "a:m1,b:m2", a, b)

	out, err := o.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out.Candidate.Provider != "b" {
		t.Errorf("winner = %v, want b", out.Candidate)
	}
	if got := a.callCount("m1"); got != 1 {
		t.Errorf("attempts on a = %d, want 1", got)
	}
}

func TestGenerateDeliversWhenConsumeFails(t *testing.T) {
	log := &eventLog{}
	a := newFakeProvider("a", log).script("m1", step{img: []byte("img")})
	ledger := allowedLedger(log)
	ledger.consumeErr = errors.New("connection reset")
	o := newTestOrchestrator(t, ledger, nil, "a:m1", a)

	out, err := o.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out.Charged {
		t.Error("charged = true, want false")
	}
	if out.CreditsRemaining != nil {
		t.Errorf("credits remaining = %d, want nil", *out.CreditsRemaining)
	}
	if string(out.Image.Data) != "img" {
		t.Errorf("image = %q", out.Image.Data)
	}
}

func TestGenerateWithholdsWhenConsumeRefused(t *testing.T) {
	log := &eventLog{}
	a := newFakeProvider("a", log).script("m1", step{img: []byte("img")})
	ledger := allowedLedger(log)
	ledger.result = model.ConsumeResult{Success: false, Error: string(model.ReasonNoCredits)}
	o := newTestOrchestrator(t, ledger, nil, "a:m1", a)

	out, err := o.Generate(context.Background(), testRequest())
	if out != nil {
		t.Fatal("image must be withheld when consume is refused")
	}
	e := asError(t, err)
	if e.Kind != KindBlocked || e.Reason != model.ReasonNoCredits {
		t.Errorf("err = %v", e)
	}
}

func TestGenerateUsesIdempotencyKey(t *testing.T) {
	log := &eventLog{}
	a := newFakeProvider("a", log).script("m1", step{img: []byte("img")})
	ledger := allowedLedger(log)
	o := newTestOrchestrator(t, ledger, nil, "a:m1", a)

	out, err := o.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out.IdempotencyKey != "req-1" || ledger.keys[0] != "req-1" {
		t.Errorf("key = %q consumed with %v, want req-1", out.IdempotencyKey, ledger.keys)
	}

	req := testRequest()
	req.IdempotencyKey = ""
	out, err = o.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out.IdempotencyKey == "" || ledger.keys[1] != out.IdempotencyKey {
		t.Errorf("generated key = %q consumed with %v", out.IdempotencyKey, ledger.keys)
	}
}

func TestGenerateCanceledBeforeConsume(t *testing.T) {
	log := &eventLog{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The caller goes away while the first attempt is in flight.
	a := newFakeProvider("a", log).script("m1", step{kind: provider.KindTransient, fn: cancel})
	b := newFakeProvider("b", log).script("m2", step{img: []byte("img")})
	o := newTestOrchestrator(t, allowedLedger(log), nil, "a:m1,b:m2", a, b)

	_, err := o.Generate(ctx, testRequest())
	e := asError(t, err)
	if e.Kind != KindCanceled {
		t.Errorf("kind = %s, want %s", e.Kind, KindCanceled)
	}
	if a.callCount("m1") != 1 || b.callCount("m2") != 0 {
		t.Errorf("calls a=%d b=%d, want 1/0", a.callCount("m1"), b.callCount("m2"))
	}
	if log.count("consume") != 0 {
		t.Error("consume must not run for an abandoned request")
	}
}

func TestGenerateCanceledDuringSuccessfulCall(t *testing.T) {
	log := &eventLog{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newFakeProvider("a", log).script("m1", step{img: []byte("img"), fn: cancel})
	o := newTestOrchestrator(t, allowedLedger(log), nil, "a:m1", a)

	_, err := o.Generate(ctx, testRequest())
	if e := asError(t, err); e.Kind != KindCanceled {
		t.Errorf("kind = %s, want %s", e.Kind, KindCanceled)
	}
	if log.count("consume") != 0 {
		t.Error("consume must not run for an abandoned request")
	}
}

func TestGenerateArchivesResult(t *testing.T) {
	log := &eventLog{}
	a := newFakeProvider("a", log).script("m1", step{img: []byte("img")})
	archive := &fakeArchive{done: make(chan string, 1)}
	o := newTestOrchestrator(t, allowedLedger(log), archive, "a:m1", a)

	if _, err := o.Generate(context.Background(), testRequest()); err != nil {
		t.Fatalf("generate: %v", err)
	}
	select {
	case got := <-archive.done:
		if got != "store-1/req-1" {
			t.Errorf("archived %q, want store-1/req-1", got)
		}
	case <-time.After(time.Second):
		t.Fatal("result was not archived")
	}
}

func TestGenerateRejectsMissingImages(t *testing.T) {
	log := &eventLog{}
	o := newTestOrchestrator(t, allowedLedger(log), nil, "a:m1", newFakeProvider("a", log))

	req := testRequest()
	req.Garment = provider.Image{}
	_, err := o.Generate(context.Background(), req)
	if e := asError(t, err); e.Kind != KindInvalidInput || e.HTTPStatus() != 400 {
		t.Errorf("err = %v", e)
	}
	if len(log.all()) != 0 {
		t.Errorf("events = %v, want none", log.all())
	}
}

func TestLinearBackoff(t *testing.T) {
	b := linearBackoff(2 * time.Second)
	for i := 1; i <= 3; i++ {
		d, stop := b.Next()
		if stop || d != time.Duration(i)*2*time.Second {
			t.Errorf("next %d = %v/%v, want %v", i, d, stop, time.Duration(i)*2*time.Second)
		}
	}
}
