// Package db - persistence layer
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/enclave/models"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// CommonListEntryQueryFilter common query filter when listing data entries
type CommonListEntryQueryFilter struct {
	Limit  *int
	Offset *int
}

// AuditEventQueryFilter audit event query filter conditions
type AuditEventQueryFilter struct {
	CommonListEntryQueryFilter
	// EventTypes the specific event types to query for
	EventTypes []models.AuditEventTypeENUMType
	// TargetUserID fetch only events related to this user
	TargetUserID *int64
	// EventsAfter filter for events after this timestamp
	EventsAfter *time.Time
	// EventsBefore filter for events before this timestamp
	EventsBefore *time.Time
}

// EncryptionKeyQueryFilter encryption key query filer conditions
type EncryptionKeyQueryFilter struct {
	CommonListEntryQueryFilter
	// TargetUserID fetch only keys of this user
	TargetUserID *int64
	// TargetState the specific states to query for
	TargetState []models.EncryptionKeyStateENUMType
	// ExpiresBefore fetch only keys expiring before this timestamp
	ExpiresBefore *time.Time
}

// TransactionQueryFilter encryption transaction query filter conditions
type TransactionQueryFilter struct {
	CommonListEntryQueryFilter
	// TargetUserID fetch only transactions of this user
	TargetUserID *int64
	// TargetStatus the specific statuses to query for
	TargetStatus []models.TransactionStatusENUMType
	// CreatedBefore fetch only transactions created before this timestamp
	CreatedBefore *time.Time
	// CreatedAfter fetch only transactions created after this timestamp
	CreatedAfter *time.Time
}

// NewEncryptionKeyParams parameters for recording a new user encryption key
type NewEncryptionKeyParams struct {
	// KeyID the key ID. Generated if not provided.
	KeyID string
	// UserID the owning user
	UserID int64
	// EncMasterKey the sealed master key
	EncMasterKey []byte
	// EncUserKey the sealed user key
	EncUserKey []byte
	// PasswordProtected whether the user key is password wrapped
	PasswordProtected bool
	// KDFSalt PBKDF2 salt for password protected keys
	KDFSalt []byte
	// KDFIterations PBKDF2 iterations for password protected keys
	KDFIterations int
	// Algorithm the cipher the key is for
	Algorithm models.CipherAlgorithmENUMType
	// KeyLength the user key length
	KeyLength int
	// ExpiresAt key expiration time
	ExpiresAt time.Time
	// Metadata key metadata
	Metadata map[string]interface{}
}

// EncryptionKeyStateChange a compare-and-swap state change of an encryption key
type EncryptionKeyStateChange struct {
	// ExpectedState the state the key must be in for the change to apply
	ExpectedState models.EncryptionKeyStateENUMType
	// NewState the target state
	NewState models.EncryptionKeyStateENUMType
	// Metadata merged into the key metadata
	Metadata map[string]interface{}
	// Reason recorded in the audit event
	Reason string
	// NewKeyID the replacement key, recorded in the audit event
	NewKeyID string
}

// NewTransactionParams parameters for recording a new encryption transaction
type NewTransactionParams struct {
	// TransactionID opaque transaction ID
	TransactionID string
	// UserID the owning user
	UserID int64
	// Operation the transaction operation
	Operation models.TransactionOperationENUMType
	// Status the initial status
	Status models.TransactionStatusENUMType
	// Metadata transaction metadata
	Metadata map[string]interface{}
}

// Database the database handle to interacting with the data base
type Database interface {
	// ------------------------------------------------------------------------------------
	// Audit events

	/*
		RecordAuditEvent record an audit event

			@param ctx context.Context - execution context
			@param eventType models.AuditEventTypeENUMType - event type
			@param userID int64 - the user the event relates to
			@param metadata interface{} - event metadata
			@returns the event entry
	*/
	RecordAuditEvent(
		ctx context.Context,
		eventType models.AuditEventTypeENUMType,
		userID int64,
		metadata interface{},
	) (models.AuditEvent, error)

	/*
		ListAuditEvents list captured audit events

			@param ctx context.Context - execution context
			@param filters AuditEventQueryFilter - entry listing filter
			@return list of audit events
	*/
	ListAuditEvents(
		ctx context.Context, filters AuditEventQueryFilter,
	) ([]models.AuditEvent, error)

	// ------------------------------------------------------------------------------------
	// System parameters

	/*
		GetSystemParamEntry fetch the global singleton system parameter entry

			@param ctx context.Context - execution context
			@returns the entry
	*/
	GetSystemParamEntry(ctx context.Context) (models.SystemParams, error)

	/*
		MarkSystemInitialized bind the database to a wrapping key

			@param ctx context.Context - execution context
			@param wrappingKeyCheck []byte - known token sealed with the wrapping key
	*/
	MarkSystemInitialized(ctx context.Context, wrappingKeyCheck []byte) error

	// ------------------------------------------------------------------------------------
	// Encryption keys

	/*
		RecordEncryptionKey record a new sealed user encryption key in ACTIVE state

			@param ctx context.Context - execution context
			@param params NewEncryptionKeyParams - the key parameters
			@returns the key entry
	*/
	RecordEncryptionKey(
		ctx context.Context, params NewEncryptionKeyParams,
	) (models.EncryptionKey, error)

	/*
		GetEncryptionKey fetch one encryption key

			@param ctx context.Context - execution context
			@param keyID string - the encryption key ID
			@return key entry
	*/
	GetEncryptionKey(ctx context.Context, keyID string) (models.EncryptionKey, error)

	/*
		GetActiveEncryptionKeyOfUser fetch the current active key of a user

		The newest active key is selected if more than one exists.

			@param ctx context.Context - execution context
			@param userID int64 - the user
			@return key entry
	*/
	GetActiveEncryptionKeyOfUser(ctx context.Context, userID int64) (models.EncryptionKey, error)

	/*
		ListEncryptionKeys list encryption keys

			@param ctx context.Context - execution context
			@param filters EncryptionKeyQueryFilter - entry listing filter
			@return list of keys
	*/
	ListEncryptionKeys(
		ctx context.Context, filters EncryptionKeyQueryFilter,
	) ([]models.EncryptionKey, error)

	/*
		ChangeEncryptionKeyState change the state of an encryption key

		The change only applies if the key is still in the expected state. Otherwise
		models.ErrConcurrentUpdate is returned.

			@param ctx context.Context - execution context
			@param keyID string - the encryption key ID
			@param change EncryptionKeyStateChange - the state change
			@return updated key entry
	*/
	ChangeEncryptionKeyState(
		ctx context.Context, keyID string, change EncryptionKeyStateChange,
	) (models.EncryptionKey, error)

	// ------------------------------------------------------------------------------------
	// Encryption transactions

	/*
		RecordTransaction record a new encryption transaction

			@param ctx context.Context - execution context
			@param params NewTransactionParams - the transaction parameters
			@returns the transaction entry
	*/
	RecordTransaction(
		ctx context.Context, params NewTransactionParams,
	) (models.EncryptionTransaction, error)

	/*
		GetTransaction fetch an encryption transaction by its transaction ID

			@param ctx context.Context - execution context
			@param transactionID string - the transaction ID
			@returns the transaction entry
	*/
	GetTransaction(
		ctx context.Context, transactionID string,
	) (models.EncryptionTransaction, error)

	/*
		UpdateTransactionStatus change the status of an encryption transaction

			@param ctx context.Context - execution context
			@param transactionID string - the transaction ID
			@param newStatus models.TransactionStatusENUMType - the new status
			@param metadata map[string]interface{} - merged into the transaction metadata
			@returns the updated transaction entry
	*/
	UpdateTransactionStatus(
		ctx context.Context,
		transactionID string,
		newStatus models.TransactionStatusENUMType,
		metadata map[string]interface{},
	) (models.EncryptionTransaction, error)

	/*
		MergeTransactionMetadata merge new values into the transaction metadata

			@param ctx context.Context - execution context
			@param transactionID string - the transaction ID
			@param metadata map[string]interface{} - values to merge
			@returns the updated transaction entry
	*/
	MergeTransactionMetadata(
		ctx context.Context, transactionID string, metadata map[string]interface{},
	) (models.EncryptionTransaction, error)

	/*
		ListTransactions list encryption transactions

			@param ctx context.Context - execution context
			@param filters TransactionQueryFilter - entry listing filter
			@returns list of transactions
	*/
	ListTransactions(
		ctx context.Context, filters TransactionQueryFilter,
	) ([]models.EncryptionTransaction, error)

	/*
		DeleteTransaction delete an encryption transaction

			@param ctx context.Context - execution context
			@param transactionID string - the transaction ID
	*/
	DeleteTransaction(ctx context.Context, transactionID string) error

	/*
		GetTransactionStatistics aggregate transaction counts by status and operation

			@param ctx context.Context - execution context
			@returns the statistics
	*/
	GetTransactionStatistics(ctx context.Context) (models.TransactionStatistics, error)
}

// databaseImpl implements Database
type databaseImpl struct {
	goutils.Component
	db        *gorm.DB
	validator *validator.Validate
}

// newDatabase define a new database client
func newDatabase(_ context.Context, sqlClient *gorm.DB) (Database, error) {
	logTags := log.Fields{"package": "enclave", "module": "db", "component": "db-client"}

	instance := &databaseImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		db:        sqlClient,
		validator: validator.New(),
	}

	if err := models.RegisterWithValidator(instance.validator); err != nil {
		return nil, fmt.Errorf("failed to install custom validation macros [%w]", err)
	}

	return instance, nil
}

// applyPaging apply the common limit / offset filter
func applyPaging(query *gorm.DB, filters CommonListEntryQueryFilter) *gorm.DB {
	if filters.Limit != nil {
		query = query.Limit(*filters.Limit)
	}
	if filters.Offset != nil {
		query = query.Offset(*filters.Offset)
	}
	return query
}

// mergeMetadata merge new values into existing metadata, returning a new map
func mergeMetadata(
	existing map[string]interface{}, updates map[string]interface{},
) map[string]interface{} {
	merged := make(map[string]interface{}, len(existing)+len(updates))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range updates {
		merged[k] = v
	}
	return merged
}
