package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/datatypes"
)

// AuditEventTypeENUMType audit event type ENUM value type
type AuditEventTypeENUMType string

const (
	// AuditEventTypeNewEncryptionKey new user encryption key is generated
	AuditEventTypeNewEncryptionKey AuditEventTypeENUMType = "ADD_NEW_ENCRYPTION_KEY"

	// AuditEventTypeRotateEncryptionKey user encryption key is rotated
	AuditEventTypeRotateEncryptionKey AuditEventTypeENUMType = "ROTATE_ENCRYPTION_KEY"

	// AuditEventTypeRevokeEncryptionKey user encryption key is revoked
	AuditEventTypeRevokeEncryptionKey AuditEventTypeENUMType = "REVOKE_ENCRYPTION_KEY"

	// AuditEventTypeExpireEncryptionKey user encryption key expired
	AuditEventTypeExpireEncryptionKey AuditEventTypeENUMType = "EXPIRE_ENCRYPTION_KEY"

	// AuditEventTypeRestoreEncryptionKey user encryption key superseded by a restore
	AuditEventTypeRestoreEncryptionKey AuditEventTypeENUMType = "RESTORE_ENCRYPTION_KEY"

	// AuditEventTypeBackupEncryptionKey user encryption keys were backed up
	AuditEventTypeBackupEncryptionKey AuditEventTypeENUMType = "BACKUP_ENCRYPTION_KEY"

	// AuditEventTypeDataEncrypted data was encrypted
	AuditEventTypeDataEncrypted AuditEventTypeENUMType = "DATA_ENCRYPTED"

	// AuditEventTypeDataDecrypted data was decrypted
	AuditEventTypeDataDecrypted AuditEventTypeENUMType = "DATA_DECRYPTED"

	// AuditEventTypeNewTransaction new encryption transaction is recorded
	AuditEventTypeNewTransaction AuditEventTypeENUMType = "ADD_NEW_TRANSACTION"

	// AuditEventTypeTransactionStateChange encryption transaction changed state
	AuditEventTypeTransactionStateChange AuditEventTypeENUMType = "TRANSACTION_STATE_CHANGE"

	// AuditEventTypeDeleteTransaction encryption transaction is deleted
	AuditEventTypeDeleteTransaction AuditEventTypeENUMType = "DELETE_TRANSACTION"

	// AuditEventTypeSystemInitialized the system bound itself to a wrapping key
	AuditEventTypeSystemInitialized AuditEventTypeENUMType = "SYSTEM_INITIALIZED"
)

// AuditEvent recording of a mutating or cryptographic operation
type AuditEvent struct {
	// ID audit entry ID
	ID string `json:"id" gorm:"column:id;primaryKey;unique" validate:"required"`
	// EventType audit event type
	EventType AuditEventTypeENUMType `json:"type" gorm:"column:type;not null;index" validate:"required,audit_event_type"`
	// UserID the user the event relates to
	UserID int64 `json:"user_id" gorm:"column:user_id;index"`
	// Actor who triggered the event
	Actor string `json:"actor,omitempty" gorm:"column:actor;default:null"`
	// IPAddress caller IP address
	IPAddress string `json:"ip_address,omitempty" gorm:"column:ip_address;default:null"`
	// UserAgent caller user agent
	UserAgent string `json:"user_agent,omitempty" gorm:"column:user_agent;default:null"`
	// RequestID caller request ID
	RequestID string `json:"request_id,omitempty" gorm:"column:request_id;default:null"`
	// Metadata a metadata relating to the event
	Metadata datatypes.JSON `json:"metadata,omitempty" gorm:"column:metadata;default:null"`
	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"updated_at"`
}

// ParseMetadata parse the metadata based on the event type
func (a AuditEvent) ParseMetadata(validator *validator.Validate) (interface{}, error) {
	switch a.EventType {
	// Encryption key related audit events
	case AuditEventTypeNewEncryptionKey:
		fallthrough
	case AuditEventTypeRotateEncryptionKey:
		fallthrough
	case AuditEventTypeRevokeEncryptionKey:
		fallthrough
	case AuditEventTypeExpireEncryptionKey:
		fallthrough
	case AuditEventTypeRestoreEncryptionKey:
		fallthrough
	case AuditEventTypeBackupEncryptionKey:
		var parsed AuditEventEncKeyRelated
		if err := json.Unmarshal(a.Metadata, &parsed); err != nil {
			return nil, fmt.Errorf("audit event '%s' metadata parse failed [%w]", a.EventType, err)
		}
		return parsed, validator.Struct(&parsed)

	// Cryptographic operation audit events
	case AuditEventTypeDataEncrypted:
		fallthrough
	case AuditEventTypeDataDecrypted:
		var parsed AuditEventCryptoOperation
		if err := json.Unmarshal(a.Metadata, &parsed); err != nil {
			return nil, fmt.Errorf("audit event '%s' metadata parse failed [%w]", a.EventType, err)
		}
		return parsed, validator.Struct(&parsed)

	// Transaction related audit events
	case AuditEventTypeNewTransaction:
		fallthrough
	case AuditEventTypeTransactionStateChange:
		fallthrough
	case AuditEventTypeDeleteTransaction:
		var parsed AuditEventTransactionRelated
		if err := json.Unmarshal(a.Metadata, &parsed); err != nil {
			return nil, fmt.Errorf("audit event '%s' metadata parse failed [%w]", a.EventType, err)
		}
		return parsed, validator.Struct(&parsed)
	}
	return nil, nil
}

// AuditEventEncKeyRelated audit event metadata related to encryption key
type AuditEventEncKeyRelated struct {
	// KeyID the encryption key
	KeyID string `json:"key_id" validate:"required,uuid_rfc4122"`
	// NewKeyID the replacement key, if any
	NewKeyID string `json:"new_key_id,omitempty" validate:"omitempty,uuid_rfc4122"`
	// Reason why the change happened
	Reason string `json:"reason,omitempty"`
	// BackupPath the backup location, for backup events
	BackupPath string `json:"backup_path,omitempty"`
}

// AuditEventCryptoOperation audit event metadata for encrypt / decrypt
//
// This must never carry key material or plain text.
type AuditEventCryptoOperation struct {
	// TransactionID the transaction the operation belongs to
	TransactionID string `json:"transaction_id" validate:"required"`
	// KeyID the encryption key used
	KeyID string `json:"key_id" validate:"required,uuid_rfc4122"`
	// Algorithm the cipher used
	Algorithm CipherAlgorithmENUMType `json:"algorithm" validate:"required,cipher_algorithm"`
	// PlainTextLen length of the plain text in bytes
	PlainTextLen int `json:"plain_text_len"`
	// CipherTextLen length of the cipher text in bytes
	CipherTextLen int `json:"cipher_text_len"`
}

// AuditEventTransactionRelated audit event metadata related to a transaction
type AuditEventTransactionRelated struct {
	// TransactionID the transaction
	TransactionID string `json:"transaction_id" validate:"required"`
	// OldStatus the previous status
	OldStatus TransactionStatusENUMType `json:"old_status,omitempty"`
	// NewStatus the current status
	NewStatus TransactionStatusENUMType `json:"new_status,omitempty"`
}
