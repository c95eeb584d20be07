// Package auth resolves subscription permissions against the booking
// database's ownership and staff tables.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bookwell/billing-engine/models"
	"github.com/bookwell/billing-engine/subscription"
	"github.com/bookwell/billing-engine/utils"
)

// RoleSource resolves the role a user holds in a business.
type RoleSource interface {
	FetchBusinessRole(businessID string, userID string) utils.Result[string]
}

// StaffAuthorizer grants subscription permissions from business roles:
// owners and managers may manage the subscription, any active member may
// view it. A missing membership row denies.
type StaffAuthorizer struct {
	store  RoleSource
	logger *slog.Logger
}

func NewStaffAuthorizer(store RoleSource, logger *slog.Logger) *StaffAuthorizer {
	return &StaffAuthorizer{
		store:  store,
		logger: logger.With("component", "staff-authorizer"),
	}
}

func (a *StaffAuthorizer) Require(ctx context.Context, userID string, permission string, scope *subscription.PermissionScope) error {
	if scope == nil || scope.BusinessID == "" {
		return fmt.Errorf("%w: permission %s requires a business scope", subscription.ErrPermissionDenied, permission)
	}

	roleResult := a.store.FetchBusinessRole(scope.BusinessID, userID)
	if roleResult.Failure() {
		if roleResult.IsCapturable() {
			utils.CaptureErrorResult(roleResult)
			return roleResult.Error()
		}
		return fmt.Errorf("%w: user %s has no role in business %s", subscription.ErrPermissionDenied, userID, scope.BusinessID)
	}

	if !roleAllows(roleResult.Value(), permission) {
		a.logger.Debug(
			"Permission denied",
			slog.String("user_id", userID),
			slog.String("business_id", scope.BusinessID),
			slog.String("permission", permission),
		)
		return fmt.Errorf("%w: user %s cannot %s on business %s", subscription.ErrPermissionDenied, userID, permission, scope.BusinessID)
	}

	return nil
}

// Has answers a scoped permission probe. The resource carries the business
// identifier as "business:<id>"; a bare resource name cannot be resolved to
// a membership and is denied.
func (a *StaffAuthorizer) Has(ctx context.Context, userID string, resource string, action string) bool {
	businessID, ok := strings.CutPrefix(resource, "business:")
	if !ok || businessID == "" {
		return false
	}

	roleResult := a.store.FetchBusinessRole(businessID, userID)
	if roleResult.Failure() {
		return false
	}

	return roleAllows(roleResult.Value(), "subscriptions:"+action)
}

func roleAllows(role string, permission string) bool {
	switch permission {
	case subscription.PermissionManageSubscription:
		return role == models.RoleOwner || role == models.RoleManager
	case subscription.PermissionViewSubscription:
		return role == models.RoleOwner || role == models.RoleManager || role == models.RoleStaff
	default:
		return false
	}
}
