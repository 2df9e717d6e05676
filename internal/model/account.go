package model

import "time"

// Plan is a subscription tier.
type Plan string

const (
	PlanTrial   Plan = "trial"
	PlanStarter Plan = "starter"
	PlanGrowth  Plan = "growth"
	PlanPro     Plan = "pro"
)

// PlanInfo describes the monthly allowance of a plan.
type PlanInfo struct {
	Plan    Plan   `json:"plan"`
	Name    string `json:"name"`
	Credits int    `json:"credits"`
}

// TrialCredits is the plan allowance granted at onboarding.
const TrialCredits = 10

// TrialDuration is how long a trial account may generate.
const TrialDuration = 14 * 24 * time.Hour

var plans = map[Plan]PlanInfo{
	PlanTrial:   {Plan: PlanTrial, Name: "Trial Grátis", Credits: TrialCredits},
	PlanStarter: {Plan: PlanStarter, Name: "Starter", Credits: 100},
	PlanGrowth:  {Plan: PlanGrowth, Name: "Growth", Credits: 300},
	PlanPro:     {Plan: PlanPro, Name: "Pro", Credits: 800},
}

// LookupPlan returns the catalogue entry for p.
func LookupPlan(p Plan) (PlanInfo, bool) {
	info, ok := plans[p]
	return info, ok
}

// PlanName returns the display name of p, or p itself if unknown.
func PlanName(p Plan) string {
	if info, ok := plans[p]; ok {
		return info.Name
	}
	return string(p)
}

// CreditPacks maps a purchasable pack id to the extra credits it grants.
var CreditPacks = map[string]int{
	"small":  50,
	"medium": 100,
	"large":  300,
}

// Account is the durable credit record of a store.
type Account struct {
	StoreID      string     `json:"store_id"`
	Plan         Plan       `json:"plan"`
	PlanCredits  int        `json:"plan_credits"`
	ExtraCredits int        `json:"extra_credits"`
	TrialEndsAt  *time.Time `json:"trial_ends_at"`
	PlanRenewsAt *time.Time `json:"plan_renews_at"`
	Version      int64      `json:"version"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TotalCredits is the spendable balance.
func (a Account) TotalCredits() int {
	return a.PlanCredits + a.ExtraCredits
}

// BlockReason explains why a store may not generate.
type BlockReason string

const (
	ReasonTrialExpired BlockReason = "TRIAL_EXPIRED"
	ReasonNoCredits    BlockReason = "NO_CREDITS"
	ReasonError        BlockReason = "ERROR"
)

// Eligibility is the allowed/blocked determination for a store.
type Eligibility struct {
	Allowed bool        `json:"allowed"`
	Reason  BlockReason `json:"reason,omitempty"`
}

// BalanceView is the read-only projection shown to clients. It is never persisted.
type BalanceView struct {
	StoreID        string      `json:"store_id"`
	Plan           Plan        `json:"plan"`
	PlanName       string      `json:"plan_name"`
	PlanCredits    int         `json:"plan_credits"`
	ExtraCredits   int         `json:"extra_credits"`
	TotalCredits   int         `json:"total_credits"`
	TrialEndsAt    *time.Time  `json:"trial_ends_at"`
	PlanRenewsAt   *time.Time  `json:"plan_renews_at"`
	IsBlocked      bool        `json:"is_blocked"`
	BlockReason    BlockReason `json:"block_reason,omitempty"`
	DaysToRenew    int         `json:"days_to_renew"`
	DaysToTrialEnd int         `json:"days_to_trial_end"`
	Version        int64       `json:"version"`
	Stale          bool        `json:"stale"`
}

// ChangeEvent is pushed on the change feed once per account mutation.
type ChangeEvent struct {
	StoreID      string     `json:"store_id"`
	PlanCredits  int        `json:"planCredits"`
	ExtraCredits int        `json:"extraCredits"`
	Plan         Plan       `json:"plan"`
	TrialEndsAt  *time.Time `json:"trialEndsAt,omitempty"`
	PlanRenewsAt *time.Time `json:"planRenewsAt,omitempty"`
	Version      int64      `json:"version"`
}

// NewChangeEvent builds the feed event describing a.
func NewChangeEvent(a Account) ChangeEvent {
	return ChangeEvent{
		StoreID:      a.StoreID,
		PlanCredits:  a.PlanCredits,
		ExtraCredits: a.ExtraCredits,
		Plan:         a.Plan,
		TrialEndsAt:  a.TrialEndsAt,
		PlanRenewsAt: a.PlanRenewsAt,
		Version:      a.Version,
	}
}

// Account converts the event back into the account fields it carries.
func (e ChangeEvent) Account() Account {
	return Account{
		StoreID:      e.StoreID,
		Plan:         e.Plan,
		PlanCredits:  e.PlanCredits,
		ExtraCredits: e.ExtraCredits,
		TrialEndsAt:  e.TrialEndsAt,
		PlanRenewsAt: e.PlanRenewsAt,
		Version:      e.Version,
	}
}

// Bucket names the balance a consumption was taken from.
type Bucket string

const (
	BucketExtra Bucket = "extra"
	BucketPlan  Bucket = "plan"
)

// ConsumeResult is the outcome of one consume call. Version is the account
// version the deduction produced; Replayed marks a result recorded by an
// earlier call with the same idempotency key.
type ConsumeResult struct {
	Success          bool   `json:"success"`
	CreditsRemaining *int   `json:"creditsRemaining,omitempty"`
	Version          int64  `json:"version,omitempty"`
	Replayed         bool   `json:"replayed,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Consumption records one successful deduction.
type Consumption struct {
	ID               int64     `json:"id"`
	StoreID          string    `json:"store_id"`
	IdempotencyKey   string    `json:"idempotency_key"`
	Bucket           Bucket    `json:"bucket"`
	CreditsRemaining int       `json:"credits_remaining"`
	Version          int64     `json:"version"`
	CreatedAt        time.Time `json:"created_at"`
}
