package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ChangeType discriminates the audit record variants stored in a
// subscription's metadata column.
type ChangeType string

const (
	ChangeTypeUpgrade         ChangeType = "upgrade"
	ChangeTypeDowngrade       ChangeType = "downgrade"
	ChangeTypeRenewal         ChangeType = "renewal"
	ChangeTypeTrialConversion ChangeType = "trial_conversion"
	ChangeTypeCancellation    ChangeType = "cancellation"
	ChangeTypeReactivation    ChangeType = "reactivation"
)

// ChangeRecord is implemented by every audit record variant.
type ChangeRecord interface {
	ChangeType() ChangeType
}

type UpgradeRecord struct {
	PreviousPlanID  string          `json:"previous_plan_id"`
	NewPlanID       string          `json:"new_plan_id"`
	EffectiveAt     time.Time       `json:"effective_at"`
	ProrationCharge decimal.Decimal `json:"proration_charge"`
	ProrationCredit decimal.Decimal `json:"proration_credit"`
	PaymentID       string          `json:"payment_id,omitempty"`
	PaymentOutcome  string          `json:"payment_outcome"`
}

func (UpgradeRecord) ChangeType() ChangeType { return ChangeTypeUpgrade }

type DowngradeRecord struct {
	PreviousPlanID string    `json:"previous_plan_id"`
	NewPlanID      string    `json:"new_plan_id"`
	EffectiveAt    time.Time `json:"effective_at"`
}

func (DowngradeRecord) ChangeType() ChangeType { return ChangeTypeDowngrade }

type RenewalRecord struct {
	PlanID      string    `json:"plan_id"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	PaymentID   string    `json:"payment_id,omitempty"`
	Failure     string    `json:"failure,omitempty"`
}

func (RenewalRecord) ChangeType() ChangeType { return ChangeTypeRenewal }

type TrialConversionRecord struct {
	PlanID          string    `json:"plan_id"`
	PaymentMethodID string    `json:"payment_method_id,omitempty"`
	ConvertedAt     time.Time `json:"converted_at"`
}

func (TrialConversionRecord) ChangeType() ChangeType { return ChangeTypeTrialConversion }

type CancellationRecord struct {
	AtPeriodEnd bool               `json:"at_period_end"`
	Finalized   bool               `json:"finalized"`
	PriorStatus SubscriptionStatus `json:"prior_status,omitempty"`
	CanceledAt  time.Time          `json:"canceled_at"`
}

func (CancellationRecord) ChangeType() ChangeType { return ChangeTypeCancellation }

type ReactivationRecord struct {
	RestoredStatus SubscriptionStatus `json:"restored_status"`
	ReactivatedAt  time.Time          `json:"reactivated_at"`
}

func (ReactivationRecord) ChangeType() ChangeType { return ChangeTypeReactivation }

// ChangeEntry is the stored envelope around a single record variant.
type ChangeEntry struct {
	Type       ChangeType   `json:"type"`
	RecordedAt time.Time    `json:"recorded_at"`
	Record     ChangeRecord `json:"record"`
}

func (e *ChangeEntry) UnmarshalJSON(data []byte) error {
	var envelope struct {
		Type       ChangeType      `json:"type"`
		RecordedAt time.Time       `json:"recorded_at"`
		Record     json.RawMessage `json:"record"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}

	e.Type = envelope.Type
	e.RecordedAt = envelope.RecordedAt

	switch envelope.Type {
	case ChangeTypeUpgrade:
		var r UpgradeRecord
		if err := json.Unmarshal(envelope.Record, &r); err != nil {
			return err
		}
		e.Record = r
	case ChangeTypeDowngrade:
		var r DowngradeRecord
		if err := json.Unmarshal(envelope.Record, &r); err != nil {
			return err
		}
		e.Record = r
	case ChangeTypeRenewal:
		var r RenewalRecord
		if err := json.Unmarshal(envelope.Record, &r); err != nil {
			return err
		}
		e.Record = r
	case ChangeTypeTrialConversion:
		var r TrialConversionRecord
		if err := json.Unmarshal(envelope.Record, &r); err != nil {
			return err
		}
		e.Record = r
	case ChangeTypeCancellation:
		var r CancellationRecord
		if err := json.Unmarshal(envelope.Record, &r); err != nil {
			return err
		}
		e.Record = r
	case ChangeTypeReactivation:
		var r ReactivationRecord
		if err := json.Unmarshal(envelope.Record, &r); err != nil {
			return err
		}
		e.Record = r
	default:
		return fmt.Errorf("unknown change record type: %s", envelope.Type)
	}

	return nil
}

// ChangeLog is the append-only audit trail serialized into the metadata
// jsonb column. Entries are never rewritten, only appended.
type ChangeLog []ChangeEntry

func (l ChangeLog) Value() (driver.Value, error) {
	if l == nil {
		l = ChangeLog{}
	}
	return json.Marshal(l)
}

func (l *ChangeLog) Scan(value interface{}) error {
	if value == nil {
		*l = ChangeLog{}
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata column type: %T", value)
	}

	if len(bytes) == 0 {
		*l = ChangeLog{}
		return nil
	}

	return json.Unmarshal(bytes, l)
}

// Append returns a new log with the record added; the receiver is not
// mutated so a failed write cannot leave a half-updated trail.
func (l ChangeLog) Append(at time.Time, record ChangeRecord) ChangeLog {
	entry := ChangeEntry{
		Type:       record.ChangeType(),
		RecordedAt: at,
		Record:     record,
	}

	out := make(ChangeLog, 0, len(l)+1)
	out = append(out, l...)
	return append(out, entry)
}

// Last returns the most recent entry of the given type, or nil.
func (l ChangeLog) Last(changeType ChangeType) *ChangeEntry {
	for i := len(l) - 1; i >= 0; i-- {
		if l[i].Type == changeType {
			return &l[i]
		}
	}
	return nil
}
