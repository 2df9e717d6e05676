package credits

import (
	"math"
	"time"

	"github.com/provadorai/provador/internal/model"
)

// Evaluate decides whether the account may start a generation at now.
// Trial expiry is checked first and wins over any remaining balance.
func Evaluate(a model.Account, now time.Time) model.Eligibility {
	if a.Plan == model.PlanTrial && a.TrialEndsAt != nil && a.TrialEndsAt.Before(now) {
		return model.Eligibility{Allowed: false, Reason: model.ReasonTrialExpired}
	}
	if a.TotalCredits() <= 0 {
		return model.Eligibility{Allowed: false, Reason: model.ReasonNoCredits}
	}
	return model.Eligibility{Allowed: true}
}

// View projects an account into the balance view seen by clients.
func View(a model.Account, now time.Time) model.BalanceView {
	e := Evaluate(a, now)
	return model.BalanceView{
		StoreID:        a.StoreID,
		Plan:           a.Plan,
		PlanName:       model.PlanName(a.Plan),
		PlanCredits:    a.PlanCredits,
		ExtraCredits:   a.ExtraCredits,
		TotalCredits:   a.TotalCredits(),
		TrialEndsAt:    a.TrialEndsAt,
		PlanRenewsAt:   a.PlanRenewsAt,
		IsBlocked:      !e.Allowed,
		BlockReason:    e.Reason,
		DaysToRenew:    DaysUntil(a.PlanRenewsAt, now),
		DaysToTrialEnd: DaysUntil(a.TrialEndsAt, now),
		Version:        a.Version,
	}
}

// DaysUntil returns the number of started days between now and t, never below zero.
// A nil t yields zero.
func DaysUntil(t *time.Time, now time.Time) int {
	if t == nil {
		return 0
	}
	diff := t.Sub(now)
	if diff <= 0 {
		return 0
	}
	return int(math.Ceil(diff.Hours() / 24))
}

// SplitRemaining derives plan and extra balances from a total returned by consume,
// given the balances before the deduction. Extra credits are spent first, so the
// plan bucket only shrinks once extra is gone.
func SplitRemaining(planBefore, extraBefore, remaining int) (plan, extra int) {
	if remaining < 0 {
		remaining = 0
	}
	if planBefore < 0 {
		planBefore = 0
	}
	if remaining >= planBefore {
		return planBefore, remaining - planBefore
	}
	return remaining, 0
}
