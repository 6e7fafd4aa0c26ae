package models

import "time"

// Step names a single ledger mutation inside a saga.
type Step string

const (
	// StepDebit takes the transfer amount out of the source account.
	StepDebit Step = "debit"

	// StepCredit puts the transfer amount into the destination account.
	StepCredit Step = "credit"

	// StepCompensateDebit gives the amount back to the source account after a failed credit.
	StepCompensateDebit Step = "compensate_debit"
)

// Account is the ledger row for one account. Balance is in minor currency units.
type Account struct {
	ID      string `json:"id"`
	Balance int64  `json:"balance"`
	Version int64  `json:"version"`
}

// Adjustment is a conditional balance change tagged with the saga step that issued it.
type Adjustment struct {
	AccountID       string
	Delta           int64
	ExpectedVersion int64
	SagaID          string
	Step            Step
}

// LedgerEntry is the journal row written with every committed ledger mutation.
type LedgerEntry struct {
	AccountID string    `json:"account_id"`
	SagaID    string    `json:"saga_id"`
	Step      Step      `json:"step"`
	Delta     int64     `json:"delta"`
	Balance   int64     `json:"balance"`
	Version   int64     `json:"version"`
	AppliedAt time.Time `json:"applied_at"`
}

// StepRecord marks a (saga, step) pair as applied along with the ledger state it produced.
type StepRecord struct {
	SagaID        string    `json:"saga_id"`
	Step          Step      `json:"step"`
	AccountID     string    `json:"account_id"`
	Delta         int64     `json:"delta"`
	ResultBalance int64     `json:"result_balance"`
	ResultVersion int64     `json:"result_version"`
	AppliedAt     time.Time `json:"applied_at"`
}

// RecordFromEntry builds the idempotency record for a committed ledger entry.
func RecordFromEntry(e LedgerEntry) StepRecord {
	return StepRecord{
		SagaID:        e.SagaID,
		Step:          e.Step,
		AccountID:     e.AccountID,
		Delta:         e.Delta,
		ResultBalance: e.Balance,
		ResultVersion: e.Version,
		AppliedAt:     e.AppliedAt,
	}
}

// SagaInstance is the current-state projection of one transfer saga.
type SagaInstance struct {
	ID                   string    `json:"id"`
	SourceAccountID      string    `json:"source_account_id"`
	DestinationAccountID string    `json:"destination_account_id"`
	Amount               int64     `json:"amount"`
	State                SagaState `json:"state"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// SagaLogEntry is one append-only state transition of a saga.
type SagaLogEntry struct {
	SagaID     string    `json:"saga_id"`
	PriorState SagaState `json:"prior_state"`
	NewState   SagaState `json:"new_state"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
}

// TransferRequest is what the user sends in the API call.
// SagaID is optional; when empty the coordinator generates one.
type TransferRequest struct {
	SagaID               string `json:"saga_id,omitempty" validate:"omitempty,max=128"`
	SourceAccountID      string `json:"source_account_id" validate:"required,max=128"`
	DestinationAccountID string `json:"destination_account_id" validate:"required,max=128,nefield=SourceAccountID"`
	Amount               int64  `json:"amount" validate:"gt=0"`
}
