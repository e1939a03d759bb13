package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/enclave/models"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

/*
RecordTransaction record a new encryption transaction

	@param ctx context.Context - execution context
	@param params NewTransactionParams - the transaction parameters
	@returns the transaction entry
*/
func (d *databaseImpl) RecordTransaction(
	ctx context.Context, params NewTransactionParams,
) (models.EncryptionTransaction, error) {
	reqCtx := models.GetRequestContext(ctx)

	newEntry := EncryptionTransactionDBEntry{
		EncryptionTransaction: models.EncryptionTransaction{
			ID:            uuid.NewString(),
			TransactionID: params.TransactionID,
			UserID:        params.UserID,
			Operation:     params.Operation,
			Status:        params.Status,
			IPAddress:     reqCtx.IPAddress,
			UserAgent:     reqCtx.UserAgent,
		},
	}
	if len(params.Metadata) > 0 {
		newEntry.Metadata = datatypes.JSONMap(mergeMetadata(nil, params.Metadata))
	}
	if newEntry.IsTerminal() {
		now := time.Now().UTC()
		newEntry.CompletedAt = &now
	}

	if err := d.validator.Struct(&newEntry); err != nil {
		return models.EncryptionTransaction{}, models.NewCoreError(
			models.ErrorCodeTransactionCreation, err, "transaction %s is invalid", params.TransactionID,
		)
	}

	if tmp := d.db.Create(&newEntry); tmp.Error != nil {
		return models.EncryptionTransaction{}, models.NewCoreError(
			models.ErrorCodeTransactionCreation,
			tmp.Error,
			"transaction %s insert failed",
			params.TransactionID,
		)
	}

	// Record this event
	if _, err := d.defineNewAuditEvent(
		ctx,
		models.AuditEventTypeNewTransaction,
		params.UserID,
		models.AuditEventTransactionRelated{
			TransactionID: params.TransactionID, NewStatus: params.Status,
		},
	); err != nil {
		return models.EncryptionTransaction{}, fmt.Errorf(
			"failed to log add new transaction audit event [%w]", err,
		)
	}

	return newEntry.EncryptionTransaction, nil
}

// getTransaction fetch one transaction entry
func (d *databaseImpl) getTransaction(transactionID string) (EncryptionTransactionDBEntry, error) {
	var entry EncryptionTransactionDBEntry
	if err := d.db.Where("transaction_id = ?", transactionID).First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entry, models.NewCoreError(
				models.ErrorCodeInvalidTransaction, err, "transaction %s does not exist", transactionID,
			)
		}
		return entry, fmt.Errorf("failed to fetch transaction %s [%w]", transactionID, err)
	}
	return entry, nil
}

/*
GetTransaction fetch an encryption transaction by its transaction ID

	@param ctx context.Context - execution context
	@param transactionID string - the transaction ID
	@returns the transaction entry
*/
func (d *databaseImpl) GetTransaction(
	_ context.Context, transactionID string,
) (models.EncryptionTransaction, error) {
	entry, err := d.getTransaction(transactionID)
	if err != nil {
		return models.EncryptionTransaction{}, err
	}
	return entry.EncryptionTransaction, nil
}

/*
UpdateTransactionStatus change the status of an encryption transaction

	@param ctx context.Context - execution context
	@param transactionID string - the transaction ID
	@param newStatus models.TransactionStatusENUMType - the new status
	@param metadata map[string]interface{} - merged into the transaction metadata
	@returns the updated transaction entry
*/
func (d *databaseImpl) UpdateTransactionStatus(
	ctx context.Context,
	transactionID string,
	newStatus models.TransactionStatusENUMType,
	metadata map[string]interface{},
) (models.EncryptionTransaction, error) {
	entry, err := d.getTransaction(transactionID)
	if err != nil {
		return models.EncryptionTransaction{}, err
	}

	if err := entry.ValidateNextState(newStatus); err != nil {
		return models.EncryptionTransaction{}, models.NewCoreError(
			models.ErrorCodeInvalidTransaction, err, "transaction %s status change refused", transactionID,
		)
	}

	oldStatus := entry.Status
	updates := map[string]interface{}{"status": newStatus}
	if len(metadata) > 0 {
		entry.Metadata = datatypes.JSONMap(mergeMetadata(entry.Metadata, metadata))
		updates["metadata"] = entry.Metadata
	}
	entry.Status = newStatus
	if entry.IsTerminal() && entry.CompletedAt == nil {
		now := time.Now().UTC()
		entry.CompletedAt = &now
		updates["completed_at"] = now
	}

	if tmp := d.db.Model(&EncryptionTransactionDBEntry{}).
		Where("id = ?", entry.ID).
		Updates(updates); tmp.Error != nil {
		return models.EncryptionTransaction{}, fmt.Errorf(
			"transaction %s status update failed [%w]", transactionID, tmp.Error,
		)
	}

	if oldStatus != newStatus {
		// Record this event
		if _, err := d.defineNewAuditEvent(
			ctx,
			models.AuditEventTypeTransactionStateChange,
			entry.UserID,
			models.AuditEventTransactionRelated{
				TransactionID: transactionID, OldStatus: oldStatus, NewStatus: newStatus,
			},
		); err != nil {
			return models.EncryptionTransaction{}, fmt.Errorf(
				"failed to log transaction state change audit event [%w]", err,
			)
		}
	}

	return entry.EncryptionTransaction, nil
}

/*
MergeTransactionMetadata merge new values into the transaction metadata

	@param ctx context.Context - execution context
	@param transactionID string - the transaction ID
	@param metadata map[string]interface{} - values to merge
	@returns the updated transaction entry
*/
func (d *databaseImpl) MergeTransactionMetadata(
	_ context.Context, transactionID string, metadata map[string]interface{},
) (models.EncryptionTransaction, error) {
	entry, err := d.getTransaction(transactionID)
	if err != nil {
		return models.EncryptionTransaction{}, err
	}

	if len(metadata) == 0 {
		return entry.EncryptionTransaction, nil
	}

	entry.Metadata = datatypes.JSONMap(mergeMetadata(entry.Metadata, metadata))
	if tmp := d.db.Model(&EncryptionTransactionDBEntry{}).
		Where("id = ?", entry.ID).
		Update("metadata", entry.Metadata); tmp.Error != nil {
		return models.EncryptionTransaction{}, fmt.Errorf(
			"transaction %s metadata update failed [%w]", transactionID, tmp.Error,
		)
	}

	return entry.EncryptionTransaction, nil
}

/*
ListTransactions list encryption transactions

	@param ctx context.Context - execution context
	@param filters TransactionQueryFilter - entry listing filter
	@returns list of transactions
*/
func (d *databaseImpl) ListTransactions(
	_ context.Context, filters TransactionQueryFilter,
) ([]models.EncryptionTransaction, error) {
	query := d.db.Model(&EncryptionTransactionDBEntry{})

	if filters.TargetUserID != nil {
		query = query.Where("user_id = ?", *filters.TargetUserID)
	}

	if len(filters.TargetStatus) > 0 {
		query = query.Where("status in ?", filters.TargetStatus)
	}

	if filters.CreatedBefore != nil {
		query = query.Where("created_at < ?", filters.CreatedBefore.UTC())
	}
	if filters.CreatedAfter != nil {
		query = query.Where("created_at > ?", filters.CreatedAfter.UTC())
	}

	query = applyPaging(query, filters.CommonListEntryQueryFilter)

	query = query.Order("created_at")

	var entries []EncryptionTransactionDBEntry
	if tmp := query.Find(&entries); tmp.Error != nil {
		return nil, fmt.Errorf("failed to list transactions [%w]", tmp.Error)
	}

	result := []models.EncryptionTransaction{}
	for _, entry := range entries {
		result = append(result, entry.EncryptionTransaction)
	}

	return result, nil
}

/*
DeleteTransaction delete an encryption transaction

	@param ctx context.Context - execution context
	@param transactionID string - the transaction ID
*/
func (d *databaseImpl) DeleteTransaction(ctx context.Context, transactionID string) error {
	entry, err := d.getTransaction(transactionID)
	if err != nil {
		return err
	}

	if tmp := d.db.Where("id = ?", entry.ID).Delete(&EncryptionTransactionDBEntry{}); tmp.Error != nil {
		return fmt.Errorf("failed to delete transaction %s [%w]", transactionID, tmp.Error)
	}

	// Record this event
	if _, err := d.defineNewAuditEvent(
		ctx,
		models.AuditEventTypeDeleteTransaction,
		entry.UserID,
		models.AuditEventTransactionRelated{
			TransactionID: transactionID, OldStatus: entry.Status,
		},
	); err != nil {
		return fmt.Errorf("failed to log delete transaction audit event [%w]", err)
	}

	return nil
}

// groupCount one row of a GROUP BY count query
type groupCount struct {
	Value string
	Count int64
}

/*
GetTransactionStatistics aggregate transaction counts by status and operation

	@param ctx context.Context - execution context
	@returns the statistics
*/
func (d *databaseImpl) GetTransactionStatistics(
	_ context.Context,
) (models.TransactionStatistics, error) {
	result := models.TransactionStatistics{
		ByStatus:    map[models.TransactionStatusENUMType]int64{},
		ByOperation: map[models.TransactionOperationENUMType]int64{},
	}

	var byStatus []groupCount
	if tmp := d.db.Model(&EncryptionTransactionDBEntry{}).
		Select("status as value, count(*) as count").
		Group("status").
		Scan(&byStatus); tmp.Error != nil {
		return result, fmt.Errorf("failed to count transactions by status [%w]", tmp.Error)
	}
	for _, row := range byStatus {
		result.ByStatus[models.TransactionStatusENUMType(row.Value)] = row.Count
		result.Total += row.Count
	}

	var byOperation []groupCount
	if tmp := d.db.Model(&EncryptionTransactionDBEntry{}).
		Select("operation as value, count(*) as count").
		Group("operation").
		Scan(&byOperation); tmp.Error != nil {
		return result, fmt.Errorf("failed to count transactions by operation [%w]", tmp.Error)
	}
	for _, row := range byOperation {
		result.ByOperation[models.TransactionOperationENUMType(row.Value)] = row.Count
	}

	if result.Total > 0 {
		result.SuccessRate = float64(
			result.ByStatus[models.TransactionStatusCompleted],
		) / float64(result.Total)
	}

	return result, nil
}
