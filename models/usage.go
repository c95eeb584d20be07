package models

import (
	"time"

	"github.com/bookwell/billing-engine/utils"
)

// BusinessUsage is a point-in-time snapshot of the countable resources a
// plan quota can constrain.
type BusinessUsage struct {
	BusinessID        string `json:"business_id"`
	OwnedBusinesses   int64  `json:"owned_businesses"`
	StaffMembers      int64  `json:"staff_members"`
	AppointmentsToday int64  `json:"appointments_today"`
}

// FetchBusinessUsage counts the resources currently attributed to a business:
// how many businesses its owner holds, how many staff members the business
// has, and how many appointments were booked for the current day.
func (store *ApiStore) FetchBusinessUsage(businessID string, now time.Time) utils.Result[*BusinessUsage] {
	usage := BusinessUsage{BusinessID: businessID}

	var owned int64
	result := store.db.Connection.
		Table("businesses").
		Where("businesses.owner_id = (SELECT owner_id FROM businesses WHERE id = ?)", businessID).
		Count(&owned)
	if result.Error != nil {
		return utils.FailedResult[*BusinessUsage](result.Error)
	}
	usage.OwnedBusinesses = owned

	var staff int64
	result = store.db.Connection.
		Table("staff_members").
		Where("staff_members.business_id = ? AND staff_members.deleted_at IS NULL", businessID).
		Count(&staff)
	if result.Error != nil {
		return utils.FailedResult[*BusinessUsage](result.Error)
	}
	usage.StaffMembers = staff

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)

	var appointments int64
	result = store.db.Connection.
		Table("appointments").
		Where("appointments.business_id = ? AND appointments.starts_at >= ? AND appointments.starts_at < ?", businessID, dayStart, dayEnd).
		Count(&appointments)
	if result.Error != nil {
		return utils.FailedResult[*BusinessUsage](result.Error)
	}
	usage.AppointmentsToday = appointments

	return utils.SuccessResult(&usage)
}
