package models

import (
	"errors"

	"gorm.io/gorm"

	"github.com/bookwell/billing-engine/utils"
)

const (
	RoleOwner   = "owner"
	RoleManager = "manager"
	RoleStaff   = "staff"
)

// FetchBusinessRole resolves the role a user holds in a business. The
// business owner always resolves to RoleOwner, even when a staff row also
// exists for the same user.
func (store *ApiStore) FetchBusinessRole(businessID string, userID string) utils.Result[string] {
	var owned int64
	result := store.db.Connection.
		Table("businesses").
		Where("businesses.id = ? AND businesses.owner_id = ?", businessID, userID).
		Count(&owned)
	if result.Error != nil {
		return utils.FailedResult[string](result.Error)
	}
	if owned > 0 {
		return utils.SuccessResult(RoleOwner)
	}

	var member struct {
		Role string
	}
	result = store.db.Connection.
		Table("staff_members").
		Select("staff_members.role").
		Where("staff_members.business_id = ? AND staff_members.user_id = ? AND staff_members.deleted_at IS NULL", businessID, userID).
		Take(&member)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return utils.FailedResult[string](result.Error).NonCapturable().NonRetryable()
		}
		return utils.FailedResult[string](result.Error)
	}

	return utils.SuccessResult(member.Role)
}
