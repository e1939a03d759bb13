package db

import "github.com/alwitt/enclave/models"

// --------------------------------------------------------------------------------------
// System parameters

// SystemParamsDBEntry system parameter DB entry
type SystemParamsDBEntry struct {
	models.SystemParams
}

// TableName hard code table name
func (SystemParamsDBEntry) TableName() string {
	return "system_params"
}

// --------------------------------------------------------------------------------------
// Audit events

// AuditEventDBEntry audit event DB entry
type AuditEventDBEntry struct {
	models.AuditEvent
}

// TableName hard code table name
func (AuditEventDBEntry) TableName() string {
	return "audit_events"
}

// --------------------------------------------------------------------------------------
// Encryption keys

// EncryptionKeyDBEntry user encryption key DB entry
type EncryptionKeyDBEntry struct {
	models.EncryptionKey
}

// TableName hard code table name
func (EncryptionKeyDBEntry) TableName() string {
	return "encryption_keys"
}

// --------------------------------------------------------------------------------------
// Encryption transactions

// EncryptionTransactionDBEntry encryption transaction DB entry
type EncryptionTransactionDBEntry struct {
	models.EncryptionTransaction
}

// TableName hard code table name
func (EncryptionTransactionDBEntry) TableName() string {
	return "encryption_transactions"
}
