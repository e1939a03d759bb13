package models

import (
	"reflect"

	"github.com/go-playground/validator/v10"
)

/*
RegisterWithValidator register with the validator this custom validation support

	@param v *validator.Validate - the validator to register against
	@return whether successful
*/
func RegisterWithValidator(v *validator.Validate) error {
	if err := v.RegisterValidation(
		"enc_key_state", validateEncKeyStateType,
	); err != nil {
		return err
	}

	if err := v.RegisterValidation(
		"cipher_algorithm", validateCipherAlgorithmType,
	); err != nil {
		return err
	}

	if err := v.RegisterValidation(
		"txn_status", validateTransactionStatusType,
	); err != nil {
		return err
	}

	if err := v.RegisterValidation(
		"txn_operation", validateTransactionOperationType,
	); err != nil {
		return err
	}

	if err := v.RegisterValidation(
		"audit_event_type", validateAuditEventType,
	); err != nil {
		return err
	}

	if err := v.RegisterValidation(
		"system_state", validateSystemStateType,
	); err != nil {
		return err
	}

	return nil
}

func validateEncKeyStateType(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	switch EncryptionKeyStateENUMType(fl.Field().String()) {
	case EncryptionKeyStateActive:
		fallthrough
	case EncryptionKeyStateRotated:
		fallthrough
	case EncryptionKeyStateRevoked:
		fallthrough
	case EncryptionKeyStateExpired:
		fallthrough
	case EncryptionKeyStateRestored:
		return true
	}
	return false
}

func validateCipherAlgorithmType(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	return CipherAlgorithmENUMType(fl.Field().String()).IsKnown()
}

func validateTransactionStatusType(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	switch TransactionStatusENUMType(fl.Field().String()) {
	case TransactionStatusPending:
		fallthrough
	case TransactionStatusActive:
		fallthrough
	case TransactionStatusEncrypting:
		fallthrough
	case TransactionStatusDecrypting:
		fallthrough
	case TransactionStatusCompleted:
		fallthrough
	case TransactionStatusFailed:
		return true
	}
	return false
}

func validateTransactionOperationType(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	switch TransactionOperationENUMType(fl.Field().String()) {
	case TransactionOperationEncrypt:
		fallthrough
	case TransactionOperationDecrypt:
		return true
	}
	return false
}

func validateAuditEventType(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	switch AuditEventTypeENUMType(fl.Field().String()) {
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
		fallthrough
	case AuditEventTypeDataEncrypted:
		fallthrough
	case AuditEventTypeDataDecrypted:
		fallthrough
	case AuditEventTypeNewTransaction:
		fallthrough
	case AuditEventTypeTransactionStateChange:
		fallthrough
	case AuditEventTypeDeleteTransaction:
		fallthrough
	case AuditEventTypeSystemInitialized:
		return true
	}
	return false
}

func validateSystemStateType(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	switch SystemStateENUMType(fl.Field().String()) {
	case SystemStatePreInit:
		fallthrough
	case SystemStateRunning:
		return true
	}
	return false
}
