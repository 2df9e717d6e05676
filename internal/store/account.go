package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/provadorai/provador/internal/credits"
	"github.com/provadorai/provador/internal/model"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
	ErrUnknownPlan     = errors.New("unknown plan")
	ErrDuplicateEvent  = errors.New("billing event already applied")
)

// Notifier receives one change event per committed account mutation.
type Notifier interface {
	Publish(event model.ChangeEvent)
}

// AccountStore is the ledger: the only writer of credit balances.
type AccountStore struct {
	db       *sql.DB
	notifier Notifier
	now      func() time.Time
}

func NewAccountStore(db *sql.DB, notifier Notifier) *AccountStore {
	return &AccountStore{db: db, notifier: notifier, now: time.Now}
}

type rowScanner interface{ Scan(...any) error }

func scanAccount(scanner rowScanner) (*model.Account, error) {
	var a model.Account
	var plan string
	var trialEndsAt, planRenewsAt sql.NullTime
	err := scanner.Scan(&a.StoreID, &plan, &a.PlanCredits, &a.ExtraCredits,
		&trialEndsAt, &planRenewsAt, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Plan = model.Plan(plan)
	if trialEndsAt.Valid {
		t := trialEndsAt.Time.UTC()
		a.TrialEndsAt = &t
	}
	if planRenewsAt.Valid {
		t := planRenewsAt.Time.UTC()
		a.PlanRenewsAt = &t
	}
	return &a, nil
}

const accountCols = `store_id, plan, plan_credits, extra_credits, trial_ends_at, plan_renews_at, version, created_at, updated_at`

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getAccount(ctx context.Context, q querier, storeID string) (*model.Account, error) {
	row := q.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE store_id = ?`, storeID)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// Create onboards a store. Trial accounts get the trial allowance and a trial
// window starting now; paid plans get their monthly allowance and a renewal date.
func (s *AccountStore) Create(ctx context.Context, storeID string, plan model.Plan) (*model.Account, error) {
	info, ok := model.LookupPlan(plan)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlan, plan)
	}

	now := s.now().UTC()
	var trialEndsAt, renewsAt *time.Time
	if plan == model.PlanTrial {
		t := now.Add(model.TrialDuration)
		trialEndsAt = &t
	} else {
		t := now.AddDate(0, 1, 0)
		renewsAt = &t
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	existing, err := getAccount(ctx, tx, storeID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrAccountExists
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO accounts (store_id, plan, plan_credits, extra_credits, trial_ends_at, plan_renews_at, created_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, ?, ?, ?)`,
		storeID, string(plan), info.Credits, nullTime(trialEndsAt), nullTime(renewsAt), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}

	a, err := getAccount(ctx, tx, storeID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	s.publish(a)
	return a, nil
}

// Get returns the account for storeID, or nil if it does not exist.
func (s *AccountStore) Get(ctx context.Context, storeID string) (*model.Account, error) {
	return getAccount(ctx, s.db, storeID)
}

// CheckEligibility re-evaluates the eligibility rules against the stored record.
func (s *AccountStore) CheckEligibility(ctx context.Context, storeID string) (model.Eligibility, error) {
	a, err := s.Get(ctx, storeID)
	if err != nil {
		return model.Eligibility{Allowed: false, Reason: model.ReasonError}, err
	}
	if a == nil {
		return model.Eligibility{Allowed: false, Reason: model.ReasonError}, ErrAccountNotFound
	}
	return credits.Evaluate(*a, s.now()), nil
}

// Consume deducts one credit for idempotencyKey. Extra credits go first.
//
// The whole operation runs in one IMMEDIATE transaction and the decrement is
// guarded in SQL, so concurrent callers can never push a balance below zero.
// Repeating a key returns the result recorded the first time without deducting
// again. A zero balance is reported as Success=false with Error NO_CREDITS; the
// returned error is reserved for ledger failures.
func (s *AccountStore) Consume(ctx context.Context, storeID, idempotencyKey string) (model.ConsumeResult, error) {
	if idempotencyKey == "" {
		return model.ConsumeResult{}, errors.New("consume: empty idempotency key")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.ConsumeResult{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	prior, err := lookupConsumption(ctx, tx, storeID, idempotencyKey)
	if err != nil {
		return model.ConsumeResult{}, err
	}
	if prior != nil {
		if err := tx.Commit(); err != nil {
			return model.ConsumeResult{}, fmt.Errorf("commit: %w", err)
		}
		remaining := prior.CreditsRemaining
		return model.ConsumeResult{Success: true, CreditsRemaining: &remaining, Version: prior.Version, Replayed: true}, nil
	}

	before, err := getAccount(ctx, tx, storeID)
	if err != nil {
		return model.ConsumeResult{}, err
	}
	if before == nil {
		return model.ConsumeResult{Success: false, Error: "STORE_NOT_FOUND"}, nil
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE accounts SET
			extra_credits = CASE WHEN extra_credits > 0 THEN extra_credits - 1 ELSE extra_credits END,
			plan_credits  = CASE WHEN extra_credits > 0 THEN plan_credits ELSE plan_credits - 1 END,
			version       = version + 1,
			updated_at    = ?
		 WHERE store_id = ? AND plan_credits + extra_credits > 0`,
		s.now().UTC(), storeID,
	)
	if err != nil {
		return model.ConsumeResult{}, fmt.Errorf("decrement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.ConsumeResult{}, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return model.ConsumeResult{Success: false, Error: string(model.ReasonNoCredits)}, nil
	}

	after, err := getAccount(ctx, tx, storeID)
	if err != nil {
		return model.ConsumeResult{}, err
	}

	bucket := model.BucketPlan
	if before.ExtraCredits > 0 {
		bucket = model.BucketExtra
	}
	remaining := after.TotalCredits()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO consumptions (store_id, idempotency_key, bucket, credits_remaining, version, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		storeID, idempotencyKey, string(bucket), remaining, after.Version, s.now().UTC(),
	)
	if err != nil {
		return model.ConsumeResult{}, fmt.Errorf("record consumption: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.ConsumeResult{}, fmt.Errorf("commit: %w", err)
	}
	s.publish(after)
	return model.ConsumeResult{Success: true, CreditsRemaining: &remaining, Version: after.Version}, nil
}

// LookupConsumption returns the deduction recorded under idempotencyKey, or
// nil if the key has not been charged.
func (s *AccountStore) LookupConsumption(ctx context.Context, storeID, idempotencyKey string) (*model.Consumption, error) {
	return lookupConsumption(ctx, s.db, storeID, idempotencyKey)
}

func lookupConsumption(ctx context.Context, q querier, storeID, idempotencyKey string) (*model.Consumption, error) {
	var c model.Consumption
	var bucket string
	err := q.QueryRowContext(ctx,
		`SELECT id, store_id, idempotency_key, bucket, credits_remaining, version, created_at
		 FROM consumptions WHERE store_id = ? AND idempotency_key = ?`,
		storeID, idempotencyKey,
	).Scan(&c.ID, &c.StoreID, &c.IdempotencyKey, &bucket, &c.CreditsRemaining, &c.Version, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup consumption: %w", err)
	}
	c.Bucket = model.Bucket(bucket)
	return &c, nil
}

// RenewParams describes a plan renewal or plan change.
type RenewParams struct {
	StoreID  string
	Plan     model.Plan
	RenewsAt time.Time
	// EventID, when set, makes the renewal apply at most once.
	EventID string
}

// Renew resets plan credits to the plan allowance. Leaving the trial clears
// the trial window. Extra credits are untouched.
func (s *AccountStore) Renew(ctx context.Context, p RenewParams) (*model.Account, error) {
	info, ok := model.LookupPlan(p.Plan)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlan, p.Plan)
	}
	return s.mutate(ctx, p.StoreID, p.EventID, "renew", func(tx *sql.Tx) (sql.Result, error) {
		if p.Plan == model.PlanTrial {
			return tx.ExecContext(ctx,
				`UPDATE accounts SET plan = ?, plan_credits = ?, plan_renews_at = ?, version = version + 1, updated_at = ? WHERE store_id = ?`,
				string(p.Plan), info.Credits, p.RenewsAt.UTC(), s.now().UTC(), p.StoreID,
			)
		}
		return tx.ExecContext(ctx,
			`UPDATE accounts SET plan = ?, plan_credits = ?, plan_renews_at = ?, trial_ends_at = NULL, version = version + 1, updated_at = ? WHERE store_id = ?`,
			string(p.Plan), info.Credits, p.RenewsAt.UTC(), s.now().UTC(), p.StoreID,
		)
	})
}

// AddExtraCredits grants n non-expiring credits. A non-empty eventID makes the
// grant apply at most once.
func (s *AccountStore) AddExtraCredits(ctx context.Context, storeID string, n int, eventID string) (*model.Account, error) {
	if n <= 0 {
		return nil, fmt.Errorf("add extra credits: amount must be positive, got %d", n)
	}
	return s.mutate(ctx, storeID, eventID, "extra_credits", func(tx *sql.Tx) (sql.Result, error) {
		return tx.ExecContext(ctx,
			`UPDATE accounts SET extra_credits = extra_credits + ?, version = version + 1, updated_at = ? WHERE store_id = ?`,
			n, s.now().UTC(), storeID,
		)
	})
}

func (s *AccountStore) mutate(ctx context.Context, storeID, eventID, kind string, update func(*sql.Tx) (sql.Result, error)) (*model.Account, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if eventID != "" {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO billing_events (event_id, store_id, kind) VALUES (?, ?, ?) ON CONFLICT (event_id) DO NOTHING`,
			eventID, storeID, kind,
		)
		if err != nil {
			return nil, fmt.Errorf("record billing event: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, ErrDuplicateEvent
		}
	}

	res, err := update(tx)
	if err != nil {
		return nil, fmt.Errorf("update account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrAccountNotFound
	}

	a, err := getAccount(ctx, tx, storeID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	s.publish(a)
	return a, nil
}

// ListConsumptions returns the most recent consumptions for storeID, newest first.
func (s *AccountStore) ListConsumptions(ctx context.Context, storeID string, limit int) ([]model.Consumption, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, store_id, idempotency_key, bucket, credits_remaining, version, created_at
		 FROM consumptions WHERE store_id = ? ORDER BY id DESC LIMIT ?`,
		storeID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list consumptions: %w", err)
	}
	defer rows.Close()

	var out []model.Consumption
	for rows.Next() {
		var c model.Consumption
		var bucket string
		if err := rows.Scan(&c.ID, &c.StoreID, &c.IdempotencyKey, &bucket, &c.CreditsRemaining, &c.Version, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan consumption: %w", err)
		}
		c.Bucket = model.Bucket(bucket)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *AccountStore) publish(a *model.Account) {
	if s.notifier == nil || a == nil {
		return
	}
	s.notifier.Publish(model.NewChangeEvent(*a))
}
