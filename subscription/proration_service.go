package subscription

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/bookwell/billing-engine/models"
)

// Proration is the credit/charge breakdown for a mid-cycle plan change.
type Proration struct {
	ChargeAmount     decimal.Decimal `json:"charge_amount"`
	CreditAmount     decimal.Decimal `json:"credit_amount"`
	FullNewPlanPrice decimal.Decimal `json:"full_new_plan_price"`
	RemainingDays    int64           `json:"remaining_days"`
	TotalDays        int64           `json:"total_days"`
}

// CalculateProration computes the unused-time credit on the current plan and
// the resulting charge for moving to the new plan, as of now.
//
// The period length is nominal (30 days monthly, 365 yearly) rather than
// calendar-accurate. That approximation is billing policy.
//
// The function is direction-agnostic; callers decide whether the charge is
// actually collected (only immediate-effective upgrades are).
func CalculateProration(currentPlan, newPlan *models.SubscriptionPlan, currentPeriodEnd, now time.Time) Proration {
	totalDays := currentPlan.BillingInterval.NominalDays()

	remaining := currentPeriodEnd.Sub(now)
	remainingDays := int64(0)
	if remaining > 0 {
		remainingDays = int64(remaining / (24 * time.Hour))
		if remaining%(24*time.Hour) != 0 {
			remainingDays++
		}
	}

	unusedRatio := decimal.NewFromInt(remainingDays).Div(decimal.NewFromInt(totalDays))
	if unusedRatio.GreaterThan(decimal.NewFromInt(1)) {
		unusedRatio = decimal.NewFromInt(1)
	}
	if unusedRatio.IsNegative() {
		unusedRatio = decimal.Zero
	}

	credit := currentPlan.Price.Mul(unusedRatio).Round(2)

	charge := newPlan.Price.Sub(credit)
	if charge.IsNegative() {
		charge = decimal.Zero
	}

	return Proration{
		ChargeAmount:     charge,
		CreditAmount:     credit,
		FullNewPlanPrice: newPlan.Price,
		RemainingDays:    remainingDays,
		TotalDays:        totalDays,
	}
}
