package models

import (
	"errors"
	"fmt"
)

// ErrorCodeENUMType machine readable error code
type ErrorCodeENUMType string

// Cryptographic errors
const (
	// ErrorCodeEncryptionFailed the cipher failed to encrypt
	ErrorCodeEncryptionFailed ErrorCodeENUMType = "ENCRYPTION_FAILED"
	// ErrorCodeDecryptionFailed the cipher failed to decrypt or authenticate
	ErrorCodeDecryptionFailed ErrorCodeENUMType = "DECRYPTION_FAILED"
	// ErrorCodeInvalidKeyLength key length outside of the allowed range
	ErrorCodeInvalidKeyLength ErrorCodeENUMType = "INVALID_KEY_LENGTH"
	// ErrorCodeInvalidSalt salt with the wrong length
	ErrorCodeInvalidSalt ErrorCodeENUMType = "INVALID_SALT"
)

// Key lifecycle errors
const (
	// ErrorCodeKeyNotFound no usable key exists
	ErrorCodeKeyNotFound ErrorCodeENUMType = "KEY_NOT_FOUND"
	// ErrorCodeKeyExpired the key passed its expiration time
	ErrorCodeKeyExpired ErrorCodeENUMType = "KEY_EXPIRED"
	// ErrorCodeKeyLocked the key is password protected and has not been unlocked
	ErrorCodeKeyLocked ErrorCodeENUMType = "KEY_LOCKED"
	// ErrorCodeInvalidBackup the backup is unreadable or incomplete
	ErrorCodeInvalidBackup ErrorCodeENUMType = "INVALID_BACKUP"
	// ErrorCodeUnsupportedVersion the backup format version is not supported
	ErrorCodeUnsupportedVersion ErrorCodeENUMType = "UNSUPPORTED_VERSION"
	// ErrorCodeConcurrentUpdate the entry changed state underneath the caller
	ErrorCodeConcurrentUpdate ErrorCodeENUMType = "CONCURRENT_UPDATE"
)

// Transaction errors
const (
	// ErrorCodeInvalidTransaction the transaction does not allow the operation
	ErrorCodeInvalidTransaction ErrorCodeENUMType = "INVALID_TRANSACTION"
	// ErrorCodeTransactionCreation the transaction could not be recorded
	ErrorCodeTransactionCreation ErrorCodeENUMType = "TRANSACTION_CREATION_ERROR"
)

// CoreError typed error returned by the key, encryption, and transaction services
type CoreError struct {
	// Code machine readable error code
	Code ErrorCodeENUMType
	// Message human readable description
	Message string
	// Err underlying cause
	Err error
}

// Error implement error
func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s [%s]", e.Code, e.Message, e.Err.Error())
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap return the underlying cause
func (e *CoreError) Unwrap() error {
	return e.Err
}

// Is two core errors match if they carry the same code
func (e *CoreError) Is(target error) bool {
	var other *CoreError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// Sentinels for use with errors.Is
var (
	ErrEncryptionFailed    = &CoreError{Code: ErrorCodeEncryptionFailed, Message: "encryption failed"}
	ErrDecryptionFailed    = &CoreError{Code: ErrorCodeDecryptionFailed, Message: "decryption failed"}
	ErrInvalidKeyLength    = &CoreError{Code: ErrorCodeInvalidKeyLength, Message: "invalid key length"}
	ErrInvalidSalt         = &CoreError{Code: ErrorCodeInvalidSalt, Message: "invalid salt"}
	ErrKeyNotFound         = &CoreError{Code: ErrorCodeKeyNotFound, Message: "encryption key not found"}
	ErrKeyExpired          = &CoreError{Code: ErrorCodeKeyExpired, Message: "encryption key expired"}
	ErrKeyLocked           = &CoreError{Code: ErrorCodeKeyLocked, Message: "encryption key is locked"}
	ErrInvalidBackup       = &CoreError{Code: ErrorCodeInvalidBackup, Message: "invalid key backup"}
	ErrUnsupportedVersion  = &CoreError{Code: ErrorCodeUnsupportedVersion, Message: "unsupported backup version"}
	ErrConcurrentUpdate    = &CoreError{Code: ErrorCodeConcurrentUpdate, Message: "concurrent update"}
	ErrInvalidTransaction  = &CoreError{Code: ErrorCodeInvalidTransaction, Message: "invalid transaction"}
	ErrTransactionCreation = &CoreError{Code: ErrorCodeTransactionCreation, Message: "transaction creation failed"}
)

/*
NewCoreError define a new typed error

	@param code ErrorCodeENUMType - error code
	@param cause error - underlying cause, may be nil
	@param format string - message format
	@param args ...interface{} - message arguments
	@returns the error
*/
func NewCoreError(
	code ErrorCodeENUMType, cause error, format string, args ...interface{},
) *CoreError {
	return &CoreError{Code: code, Message: fmt.Sprintf(format, args...), Err: cause}
}

// ErrorCodeOf fetch the code of the first CoreError in the chain, or "" if there is none
func ErrorCodeOf(err error) ErrorCodeENUMType {
	var coreErr *CoreError
	if errors.As(err, &coreErr) {
		return coreErr.Code
	}
	return ""
}
