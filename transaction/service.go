// Package transaction - encryption transaction lifecycle
package transaction

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/enclave/cache"
	"github.com/alwitt/enclave/config"
	"github.com/alwitt/enclave/db"
	"github.com/alwitt/enclave/encryption"
	"github.com/alwitt/enclave/models"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

/*
Service encryption transaction state machine

	PENDING / ACTIVE -> ENCRYPTING / DECRYPTING -> COMPLETED

Any non-terminal state may move to FAILED. COMPLETED and FAILED are terminal.
*/
type Service interface {
	/*
		CreateTransaction record a new PENDING transaction

			@param ctx context.Context - execution context
			@param userID int64 - the owning user
			@param metadata map[string]interface{} - transaction metadata
			@returns the transaction ID
	*/
	CreateTransaction(
		ctx context.Context, userID int64, metadata map[string]interface{},
	) (string, error)

	/*
		StartTransaction record a new ACTIVE transaction with E2EE enabled

			@param ctx context.Context - execution context
			@param userID int64 - the owning user
			@param metadata map[string]interface{} - transaction metadata
			@returns the transaction
	*/
	StartTransaction(
		ctx context.Context, userID int64, metadata map[string]interface{},
	) (models.EncryptionTransaction, error)

	/*
		EncryptInTransaction encrypt data as part of a transaction

		The transaction moves to ENCRYPTING, then COMPLETED on success, or FAILED on error.

			@param ctx context.Context - execution context
			@param transactionID string - the transaction
			@param data []byte - plain text
			@param userID int64 - the owning user
			@returns the cipher text envelope
	*/
	EncryptInTransaction(
		ctx context.Context, transactionID string, data []byte, userID int64,
	) (encryption.Envelope, error)

	/*
		DecryptInTransaction decrypt data as part of a transaction

		The transaction moves to DECRYPTING, then COMPLETED on success, or FAILED on error.

			@param ctx context.Context - execution context
			@param transactionID string - the transaction
			@param req encryption.DecryptRequest - the cipher text and its parameters
			@param userID int64 - the owning user
			@returns plain text
	*/
	DecryptInTransaction(
		ctx context.Context, transactionID string, req encryption.DecryptRequest, userID int64,
	) ([]byte, error)

	/*
		SetTransactionE2EE toggle E2EE of an ACTIVE transaction

			@param ctx context.Context - execution context
			@param transactionID string - the transaction
			@param enabled bool - E2EE flag
			@returns the updated transaction
	*/
	SetTransactionE2EE(
		ctx context.Context, transactionID string, enabled bool,
	) (models.EncryptionTransaction, error)

	/*
		CompleteTransaction complete an ACTIVE transaction

			@param ctx context.Context - execution context
			@param transactionID string - the transaction
			@param metadata map[string]interface{} - merged into the transaction metadata
			@returns the updated transaction
	*/
	CompleteTransaction(
		ctx context.Context, transactionID string, metadata map[string]interface{},
	) (models.EncryptionTransaction, error)

	/*
		GetTransaction fetch a transaction

			@param ctx context.Context - execution context
			@param transactionID string - the transaction
			@returns the transaction
	*/
	GetTransaction(ctx context.Context, transactionID string) (models.EncryptionTransaction, error)

	/*
		ValidateTransaction whether the transaction exists, belongs to the user, and is
		still within its validity window

			@param ctx context.Context - execution context
			@param transactionID string - the transaction
			@param userID int64 - the user
			@returns whether usable
	*/
	ValidateTransaction(ctx context.Context, transactionID string, userID int64) bool

	/*
		CleanupOldTransactions delete COMPLETED transactions older than a cutoff

			@param ctx context.Context - execution context
			@param daysOld int - age in days, the configured retention if not positive
			@returns number of transactions deleted
	*/
	CleanupOldTransactions(ctx context.Context, daysOld int) (int, error)

	/*
		GetTransactionStatistics aggregate transaction counts

			@param ctx context.Context - execution context
			@returns the statistics
	*/
	GetTransactionStatistics(ctx context.Context) (models.TransactionStatistics, error)
}

// serviceImpl implements Service
type serviceImpl struct {
	goutils.Component

	persistence db.Client
	crypto      encryption.Service
	txnCache    cache.Cache[models.EncryptionTransaction]

	validity      time.Duration
	retentionDays int
}

// ServiceParams transaction service init parameters
type ServiceParams struct {
	// Persistence persistence layer client
	Persistence db.Client
	// Encryption the encryption service
	Encryption encryption.Service
	// Config system configuration
	Config config.Config
	// TransactionCache transaction cache. Defined from Config if not provided.
	TransactionCache cache.Cache[models.EncryptionTransaction]
}

/*
NewService define new transaction service

	@param ctx context.Context - execution context
	@param params ServiceParams - service parameters
	@returns service instance
*/
func NewService(_ context.Context, params ServiceParams) (Service, error) {
	if params.Persistence == nil {
		return nil, fmt.Errorf("transaction service requires a persistence client")
	}
	if params.Encryption == nil {
		return nil, fmt.Errorf("transaction service requires the encryption service")
	}
	if err := params.Config.Validate(); err != nil {
		return nil, err
	}

	txnCache := params.TransactionCache
	if txnCache == nil {
		var err error
		txnCache, err = cache.NewLRUCache[models.EncryptionTransaction](
			"transactions", params.Config.Cache.Size, params.Config.Cache.TransactionTTL,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to define transaction cache [%w]", err)
		}
	}

	logTags := log.Fields{"module": "transaction", "component": "transaction-service"}

	return &serviceImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		persistence:   params.Persistence,
		crypto:        params.Encryption,
		txnCache:      txnCache,
		validity:      params.Config.Transaction.Validity,
		retentionDays: params.Config.Transaction.RetentionDays,
	}, nil
}

// timestamp metadata timestamp format
func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// operationOf the operation requested through metadata, encrypt by default
func operationOf(metadata map[string]interface{}) models.TransactionOperationENUMType {
	if raw, ok := metadata[models.TransactionMetaOperation].(string); ok &&
		models.TransactionOperationENUMType(raw) == models.TransactionOperationDecrypt {
		return models.TransactionOperationDecrypt
	}
	return models.TransactionOperationEncrypt
}

// loadTransaction read a transaction straight from persistence
func (s *serviceImpl) loadTransaction(
	ctx context.Context, transactionID string,
) (models.EncryptionTransaction, error) {
	var entry models.EncryptionTransaction
	err := s.persistence.UseDatabase(ctx, func(ctx context.Context, dbClient db.Database) error {
		var err error
		entry, err = dbClient.GetTransaction(ctx, transactionID)
		return err
	})
	return entry, err
}

// changeStatus move a transaction to a new status
func (s *serviceImpl) changeStatus(
	ctx context.Context,
	transactionID string,
	newStatus models.TransactionStatusENUMType,
	metadata map[string]interface{},
) (models.EncryptionTransaction, error) {
	var entry models.EncryptionTransaction
	err := s.persistence.UseDatabaseInTransaction(
		ctx, func(ctx context.Context, dbClient db.Database) error {
			var err error
			entry, err = dbClient.UpdateTransactionStatus(ctx, transactionID, newStatus, metadata)
			return err
		},
	)
	s.txnCache.Forget(ctx, transactionID)
	return entry, err
}

func (s *serviceImpl) CreateTransaction(
	ctx context.Context, userID int64, metadata map[string]interface{},
) (string, error) {
	logTags := models.LogFieldsFromContext(ctx, s.LogTags)

	transactionID := encryption.NewTransactionID()
	if err := s.persistence.UseDatabaseInTransaction(
		ctx, func(ctx context.Context, dbClient db.Database) error {
			_, err := dbClient.RecordTransaction(ctx, db.NewTransactionParams{
				TransactionID: transactionID,
				UserID:        userID,
				Operation:     operationOf(metadata),
				Status:        models.TransactionStatusPending,
				Metadata:      metadata,
			})
			return err
		},
	); err != nil {
		log.WithError(err).WithFields(logTags).WithField("user_id", userID).Error("Transaction creation failed")
		return "", err
	}

	log.WithFields(logTags).
		WithField("user_id", userID).
		WithField("transaction_id", transactionID).
		Debug("Created transaction")
	return transactionID, nil
}

func (s *serviceImpl) StartTransaction(
	ctx context.Context, userID int64, metadata map[string]interface{},
) (models.EncryptionTransaction, error) {
	logTags := models.LogFieldsFromContext(ctx, s.LogTags)

	txnMetadata := map[string]interface{}{}
	for k, v := range metadata {
		txnMetadata[k] = v
	}
	txnMetadata[models.TransactionMetaE2EEEnabled] = true
	txnMetadata[models.TransactionMetaStartedAt] = timestamp()

	var entry models.EncryptionTransaction
	if err := s.persistence.UseDatabaseInTransaction(
		ctx, func(ctx context.Context, dbClient db.Database) error {
			var err error
			entry, err = dbClient.RecordTransaction(ctx, db.NewTransactionParams{
				TransactionID: encryption.NewTransactionID(),
				UserID:        userID,
				Operation:     operationOf(metadata),
				Status:        models.TransactionStatusActive,
				Metadata:      txnMetadata,
			})
			return err
		},
	); err != nil {
		log.WithError(err).WithFields(logTags).WithField("user_id", userID).Error("Transaction start failed")
		return models.EncryptionTransaction{}, err
	}

	s.txnCache.Put(ctx, entry.TransactionID, entry)

	log.WithFields(logTags).
		WithField("user_id", userID).
		WithField("transaction_id", entry.TransactionID).
		Info("Started transaction")
	return entry, nil
}

// beginOperation verify a transaction can run a crypto operation, and mark it running
func (s *serviceImpl) beginOperation(
	ctx context.Context,
	transactionID string,
	userID int64,
	running models.TransactionStatusENUMType,
) error {
	entry, err := s.loadTransaction(ctx, transactionID)
	if err != nil {
		return err
	}
	if entry.UserID != userID {
		return models.NewCoreError(
			models.ErrorCodeInvalidTransaction,
			nil,
			"transaction %s does not belong to user %d",
			transactionID,
			userID,
		)
	}
	if entry.IsTerminal() {
		return models.NewCoreError(
			models.ErrorCodeInvalidTransaction, nil, "transaction %s is %s", transactionID, entry.Status,
		)
	}
	if !entry.E2EEEnabled() {
		return models.NewCoreError(
			models.ErrorCodeInvalidTransaction, nil, "transaction %s has E2EE disabled", transactionID,
		)
	}
	_, err = s.changeStatus(ctx, transactionID, running, nil)
	return err
}

// finishOperation mark the transaction completed, or failed if the operation failed
func (s *serviceImpl) finishOperation(
	ctx context.Context, transactionID string, userID int64, opErr error,
) error {
	logTags := models.LogFieldsFromContext(ctx, s.LogTags)

	if opErr != nil {
		if _, err := s.changeStatus(
			ctx,
			transactionID,
			models.TransactionStatusFailed,
			map[string]interface{}{
				models.TransactionMetaError:    opErr.Error(),
				models.TransactionMetaFailedAt: timestamp(),
			},
		); err != nil {
			log.WithError(err).
				WithFields(logTags).
				WithField("transaction_id", transactionID).
				Error("Unable to mark transaction failed")
		}
		log.WithError(opErr).
			WithFields(logTags).
			WithField("user_id", userID).
			WithField("transaction_id", transactionID).
			Error("Transaction operation failed")
		return opErr
	}

	_, err := s.changeStatus(
		ctx,
		transactionID,
		models.TransactionStatusCompleted,
		map[string]interface{}{models.TransactionMetaCompletedAt: timestamp()},
	)
	return err
}

func (s *serviceImpl) EncryptInTransaction(
	ctx context.Context, transactionID string, data []byte, userID int64,
) (encryption.Envelope, error) {
	if err := s.beginOperation(
		ctx, transactionID, userID, models.TransactionStatusEncrypting,
	); err != nil {
		return encryption.Envelope{}, err
	}

	envelope, err := s.crypto.EncryptForTransaction(
		ctx,
		data,
		userID,
		transactionID,
		map[string]interface{}{models.TransactionMetaOperation: string(models.TransactionOperationEncrypt)},
	)
	if err := s.finishOperation(ctx, transactionID, userID, err); err != nil {
		return encryption.Envelope{}, err
	}
	return envelope, nil
}

func (s *serviceImpl) DecryptInTransaction(
	ctx context.Context, transactionID string, req encryption.DecryptRequest, userID int64,
) ([]byte, error) {
	if err := s.beginOperation(
		ctx, transactionID, userID, models.TransactionStatusDecrypting,
	); err != nil {
		return nil, err
	}

	plainText, err := s.crypto.DecryptForTransaction(
		ctx,
		req,
		userID,
		transactionID,
		map[string]interface{}{models.TransactionMetaOperation: string(models.TransactionOperationDecrypt)},
	)
	if err := s.finishOperation(ctx, transactionID, userID, err); err != nil {
		return nil, err
	}
	return plainText, nil
}

// requireActive fetch a transaction from persistence, failing unless it is ACTIVE
func (s *serviceImpl) requireActive(
	ctx context.Context, transactionID string,
) (models.EncryptionTransaction, error) {
	entry, err := s.loadTransaction(ctx, transactionID)
	if err != nil {
		return models.EncryptionTransaction{}, err
	}
	if entry.Status != models.TransactionStatusActive {
		return models.EncryptionTransaction{}, models.NewCoreError(
			models.ErrorCodeInvalidTransaction,
			nil,
			"transaction %s is %s, not %s",
			transactionID,
			entry.Status,
			models.TransactionStatusActive,
		)
	}
	return entry, nil
}

func (s *serviceImpl) SetTransactionE2EE(
	ctx context.Context, transactionID string, enabled bool,
) (models.EncryptionTransaction, error) {
	logTags := models.LogFieldsFromContext(ctx, s.LogTags)

	if _, err := s.requireActive(ctx, transactionID); err != nil {
		return models.EncryptionTransaction{}, err
	}

	var entry models.EncryptionTransaction
	if err := s.persistence.UseDatabaseInTransaction(
		ctx, func(ctx context.Context, dbClient db.Database) error {
			var err error
			entry, err = dbClient.MergeTransactionMetadata(
				ctx, transactionID, map[string]interface{}{models.TransactionMetaE2EEEnabled: enabled},
			)
			return err
		},
	); err != nil {
		s.txnCache.Forget(ctx, transactionID)
		return models.EncryptionTransaction{}, err
	}

	s.txnCache.Put(ctx, transactionID, entry)

	log.WithFields(logTags).
		WithField("transaction_id", transactionID).
		WithField("e2ee_enabled", enabled).
		Info("Changed transaction E2EE")
	return entry, nil
}

func (s *serviceImpl) CompleteTransaction(
	ctx context.Context, transactionID string, metadata map[string]interface{},
) (models.EncryptionTransaction, error) {
	logTags := models.LogFieldsFromContext(ctx, s.LogTags)

	if _, err := s.requireActive(ctx, transactionID); err != nil {
		return models.EncryptionTransaction{}, err
	}

	updates := map[string]interface{}{}
	for k, v := range metadata {
		updates[k] = v
	}
	updates[models.TransactionMetaCompletedAt] = timestamp()

	entry, err := s.changeStatus(ctx, transactionID, models.TransactionStatusCompleted, updates)
	if err != nil {
		return models.EncryptionTransaction{}, err
	}

	log.WithFields(logTags).WithField("transaction_id", transactionID).Info("Completed transaction")
	return entry, nil
}

func (s *serviceImpl) GetTransaction(
	ctx context.Context, transactionID string,
) (models.EncryptionTransaction, error) {
	if cached, ok := s.txnCache.Get(ctx, transactionID); ok {
		return cached, nil
	}
	entry, err := s.loadTransaction(ctx, transactionID)
	if err != nil {
		return models.EncryptionTransaction{}, err
	}
	s.txnCache.Put(ctx, transactionID, entry)
	return entry, nil
}

func (s *serviceImpl) ValidateTransaction(
	ctx context.Context, transactionID string, userID int64,
) bool {
	entry, err := s.GetTransaction(ctx, transactionID)
	if err != nil {
		return false
	}
	if entry.UserID != userID {
		return false
	}
	return time.Since(entry.CreatedAt) <= s.validity
}

func (s *serviceImpl) CleanupOldTransactions(ctx context.Context, daysOld int) (int, error) {
	logTags := models.LogFieldsFromContext(ctx, s.LogTags)

	if daysOld <= 0 {
		daysOld = s.retentionDays
	}
	cutoff := time.Now().UTC().Add(-time.Hour * 24 * time.Duration(daysOld))

	var stale []models.EncryptionTransaction
	if err := s.persistence.UseDatabase(
		ctx, func(ctx context.Context, dbClient db.Database) error {
			var err error
			stale, err = dbClient.ListTransactions(ctx, db.TransactionQueryFilter{
				TargetStatus:  []models.TransactionStatusENUMType{models.TransactionStatusCompleted},
				CreatedBefore: &cutoff,
			})
			return err
		},
	); err != nil {
		return 0, fmt.Errorf("failed to list old transactions [%w]", err)
	}

	deleted := 0
	for _, entry := range stale {
		err := s.persistence.UseDatabaseInTransaction(
			ctx, func(ctx context.Context, dbClient db.Database) error {
				return dbClient.DeleteTransaction(ctx, entry.TransactionID)
			},
		)
		s.txnCache.Forget(ctx, entry.TransactionID)
		if err != nil {
			log.WithError(err).
				WithFields(logTags).
				WithField("transaction_id", entry.TransactionID).
				Warn("Failed to delete old transaction, continuing")
			continue
		}
		deleted++
	}

	log.WithFields(logTags).
		WithField("deleted", deleted).
		WithField("days_old", daysOld).
		Info("Old transaction sweep done")
	return deleted, nil
}

func (s *serviceImpl) GetTransactionStatistics(
	ctx context.Context,
) (models.TransactionStatistics, error) {
	var stats models.TransactionStatistics
	err := s.persistence.UseDatabase(ctx, func(ctx context.Context, dbClient db.Database) error {
		var err error
		stats, err = dbClient.GetTransactionStatistics(ctx)
		return err
	})
	return stats, err
}
