package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/bookwell/billing-engine/models"
	"github.com/bookwell/billing-engine/utils"
)

// LimitViolation describes one quota the business currently exceeds on the
// candidate plan. Messages are user-facing.
type LimitViolation struct {
	Resource string `json:"resource"`
	Current  int64  `json:"current"`
	Limit    int64  `json:"limit"`
	Message  string `json:"message"`
}

// LimitCheck is the outcome of validating current usage against a plan's
// quotas. Violations are data, not errors.
type LimitCheck struct {
	IsValid    bool             `json:"is_valid"`
	Violations []LimitViolation `json:"violations"`
}

// UsageFetcher is the slice of the store the validator needs.
type UsageFetcher interface {
	FetchBusinessUsage(businessID string, now time.Time) utils.Result[*models.BusinessUsage]
}

type LimitService struct {
	usage UsageFetcher
	clock Clock
}

func NewLimitService(usage UsageFetcher, clock Clock) *LimitService {
	return &LimitService{
		usage: usage,
		clock: clock,
	}
}

// CheckLimits compares the business's current usage against the target
// plan's quotas. A quota of models.UnlimitedQuota never violates.
func (s *LimitService) CheckLimits(ctx context.Context, businessID string, plan *models.SubscriptionPlan) utils.Result[*LimitCheck] {
	usageResult := s.usage.FetchBusinessUsage(businessID, s.clock.Now())
	if usageResult.Failure() {
		return utils.FailedResult[*LimitCheck](usageResult.Error())
	}
	usage := usageResult.Value()

	check := &LimitCheck{IsValid: true, Violations: []LimitViolation{}}

	appendViolation := func(resource string, current int64, limit int, message string) {
		if limit == models.UnlimitedQuota || current <= int64(limit) {
			return
		}
		check.IsValid = false
		check.Violations = append(check.Violations, LimitViolation{
			Resource: resource,
			Current:  current,
			Limit:    int64(limit),
			Message:  message,
		})
	}

	appendViolation(
		"businesses",
		usage.OwnedBusinesses,
		plan.MaxBusinesses,
		fmt.Sprintf("Too many businesses (%d/%d)", usage.OwnedBusinesses, plan.MaxBusinesses),
	)
	appendViolation(
		"staff_members",
		usage.StaffMembers,
		plan.MaxStaffPerBusiness,
		fmt.Sprintf("Too many staff members (%d/%d)", usage.StaffMembers, plan.MaxStaffPerBusiness),
	)
	appendViolation(
		"appointments_per_day",
		usage.AppointmentsToday,
		plan.MaxAppointmentsPerDay,
		fmt.Sprintf("Too many appointments today (%d/%d)", usage.AppointmentsToday, plan.MaxAppointmentsPerDay),
	)

	return utils.SuccessResult(check)
}
