package models

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// TransactionStatusENUMType encryption transaction status ENUM
type TransactionStatusENUMType string

const (
	// TransactionStatusPending transaction created through the simple path
	TransactionStatusPending TransactionStatusENUMType = "PENDING"
	// TransactionStatusActive transaction started through the full lifecycle path
	TransactionStatusActive TransactionStatusENUMType = "ACTIVE"
	// TransactionStatusEncrypting transaction is encrypting
	TransactionStatusEncrypting TransactionStatusENUMType = "ENCRYPTING"
	// TransactionStatusDecrypting transaction is decrypting
	TransactionStatusDecrypting TransactionStatusENUMType = "DECRYPTING"
	// TransactionStatusCompleted transaction completed. This is terminal.
	TransactionStatusCompleted TransactionStatusENUMType = "COMPLETED"
	// TransactionStatusFailed transaction failed. This is terminal.
	TransactionStatusFailed TransactionStatusENUMType = "FAILED"
)

// TransactionOperationENUMType encryption transaction operation ENUM
type TransactionOperationENUMType string

const (
	// TransactionOperationEncrypt encryption
	TransactionOperationEncrypt TransactionOperationENUMType = "encrypt"
	// TransactionOperationDecrypt decryption
	TransactionOperationDecrypt TransactionOperationENUMType = "decrypt"
)

// Well known transaction metadata keys
const (
	// TransactionMetaE2EEEnabled whether end-to-end encryption is enabled
	TransactionMetaE2EEEnabled = "e2ee_enabled"
	// TransactionMetaStartedAt when the transaction was started
	TransactionMetaStartedAt = "started_at"
	// TransactionMetaCompletedAt when the transaction was completed
	TransactionMetaCompletedAt = "completed_at"
	// TransactionMetaFailedAt when the transaction failed
	TransactionMetaFailedAt = "failed_at"
	// TransactionMetaError failure reason
	TransactionMetaError = "error"
	// TransactionMetaOperation requested operation
	TransactionMetaOperation = "operation"
)

// EncryptionTransaction record of one encrypt / decrypt workflow
type EncryptionTransaction struct {
	// ID entry ID
	ID string `json:"id" gorm:"column:id;primaryKey;unique" validate:"required,uuid_rfc4122"`

	// TransactionID opaque unique transaction ID
	TransactionID string `json:"transaction_id" gorm:"column:transaction_id;not null;uniqueIndex" validate:"required"`

	// UserID the owning user
	UserID int64 `json:"user_id" gorm:"column:user_id;not null;index" validate:"required"`

	// Operation the transaction operation
	Operation TransactionOperationENUMType `json:"operation" gorm:"column:operation;not null" validate:"required,txn_operation"`

	// Status the transaction status
	Status TransactionStatusENUMType `json:"status" gorm:"column:status;not null;index" validate:"required,txn_status"`

	// Metadata transaction metadata
	Metadata datatypes.JSONMap `json:"metadata,omitempty" gorm:"column:metadata;default:null"`

	// IPAddress caller IP address
	IPAddress string `json:"ip_address,omitempty" gorm:"column:ip_address;default:null"`
	// UserAgent caller user agent
	UserAgent string `json:"user_agent,omitempty" gorm:"column:user_agent;default:null"`

	// CompletedAt when the transaction reached a terminal state
	CompletedAt *time.Time `json:"completed_at,omitempty" gorm:"column:completed_at;default:null"`

	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at" gorm:"index"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"updated_at"`
}

// E2EEEnabled whether the transaction has end-to-end encryption enabled
//
// Transactions without the flag are treated as enabled.
func (t *EncryptionTransaction) E2EEEnabled() bool {
	if t.Metadata == nil {
		return true
	}
	raw, ok := t.Metadata[TransactionMetaE2EEEnabled]
	if !ok {
		return true
	}
	enabled, ok := raw.(bool)
	return !ok || enabled
}

// IsTerminal whether the transaction is in a terminal state
func (t *EncryptionTransaction) IsTerminal() bool {
	return t.Status == TransactionStatusCompleted || t.Status == TransactionStatusFailed
}

// ValidateNextState verify can transition to new state
func (t *EncryptionTransaction) ValidateNextState(newState TransactionStatusENUMType) error {
	statesWithTransitions := map[TransactionStatusENUMType]map[TransactionStatusENUMType]bool{
		TransactionStatusPending: {
			TransactionStatusPending:    true,
			TransactionStatusActive:     true,
			TransactionStatusEncrypting: true,
			TransactionStatusDecrypting: true,
			TransactionStatusCompleted:  true,
			TransactionStatusFailed:     true,
		},
		TransactionStatusActive: {
			TransactionStatusActive:     true,
			TransactionStatusEncrypting: true,
			TransactionStatusDecrypting: true,
			TransactionStatusCompleted:  true,
			TransactionStatusFailed:     true,
		},
		TransactionStatusEncrypting: {
			TransactionStatusEncrypting: true,
			TransactionStatusCompleted:  true,
			TransactionStatusFailed:     true,
		},
		TransactionStatusDecrypting: {
			TransactionStatusDecrypting: true,
			TransactionStatusCompleted:  true,
			TransactionStatusFailed:     true,
		},
		TransactionStatusCompleted: {
			TransactionStatusCompleted: true,
		},
		TransactionStatusFailed: {
			TransactionStatusFailed: true,
		},
	}

	availableNextStates, ok := statesWithTransitions[t.Status]
	if !ok {
		return fmt.Errorf("transaction can't transition out of state '%s'", t.Status)
	}

	if _, ok := availableNextStates[newState]; !ok {
		return fmt.Errorf("transaction can't transition from '%s' to '%s'", t.Status, newState)
	}

	return nil
}

// TransactionStatistics aggregate transaction counts
type TransactionStatistics struct {
	// Total number of transactions
	Total int64 `json:"total"`
	// ByStatus number of transactions per status
	ByStatus map[TransactionStatusENUMType]int64 `json:"by_status"`
	// ByOperation number of transactions per operation
	ByOperation map[TransactionOperationENUMType]int64 `json:"by_operation"`
	// SuccessRate completed / total
	SuccessRate float64 `json:"success_rate"`
}
