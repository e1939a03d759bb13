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
RecordEncryptionKey record a new sealed user encryption key in ACTIVE state

	@param ctx context.Context - execution context
	@param params NewEncryptionKeyParams - the key parameters
	@returns the key entry
*/
func (d *databaseImpl) RecordEncryptionKey(
	ctx context.Context, params NewEncryptionKeyParams,
) (models.EncryptionKey, error) {
	keyID := params.KeyID
	if keyID == "" {
		keyID = uuid.NewString()
	}
	newEntry := EncryptionKeyDBEntry{
		EncryptionKey: models.EncryptionKey{
			ID:                keyID,
			UserID:            params.UserID,
			EncMasterKey:      params.EncMasterKey,
			EncUserKey:        params.EncUserKey,
			PasswordProtected: params.PasswordProtected,
			KDFSalt:           params.KDFSalt,
			KDFIterations:     params.KDFIterations,
			Algorithm:         params.Algorithm,
			KeyLength:         params.KeyLength,
			State:             models.EncryptionKeyStateActive,
			ExpiresAt:         params.ExpiresAt.UTC(),
		},
	}
	if len(params.Metadata) > 0 {
		newEntry.Metadata = datatypes.JSONMap(mergeMetadata(nil, params.Metadata))
	}

	if err := d.validator.Struct(&newEntry); err != nil {
		return models.EncryptionKey{}, fmt.Errorf("new encryption key entry is invalid [%w]", err)
	}

	if tmp := d.db.Create(&newEntry); tmp.Error != nil {
		if errors.Is(tmp.Error, gorm.ErrDuplicatedKey) {
			return models.EncryptionKey{}, models.NewCoreError(
				models.ErrorCodeConcurrentUpdate,
				tmp.Error,
				"user %d already has an active encryption key",
				params.UserID,
			)
		}
		return models.EncryptionKey{}, fmt.Errorf(
			"new encryption key entry insert failed [%w]", tmp.Error,
		)
	}

	// Record this event
	if _, err := d.defineNewAuditEvent(
		ctx,
		models.AuditEventTypeNewEncryptionKey,
		params.UserID,
		models.AuditEventEncKeyRelated{KeyID: newEntry.ID},
	); err != nil {
		return models.EncryptionKey{}, fmt.Errorf(
			"failed to log add new encryption key audit event [%w]", err,
		)
	}

	return newEntry.EncryptionKey, nil
}

// getEncryptionKey fetch one encryption key
func (d *databaseImpl) getEncryptionKey(keyID string) (EncryptionKeyDBEntry, error) {
	var entry EncryptionKeyDBEntry
	err := d.db.Where("id = ?", keyID).First(&entry).Error
	return entry, err
}

/*
GetEncryptionKey fetch one encryption key

	@param ctx context.Context - execution context
	@param keyID string - the encryption key ID
	@return key entry
*/
func (d *databaseImpl) GetEncryptionKey(
	_ context.Context, keyID string,
) (models.EncryptionKey, error) {
	entry, err := d.getEncryptionKey(keyID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.EncryptionKey{}, models.NewCoreError(
				models.ErrorCodeKeyNotFound, err, "encryption key %s does not exist", keyID,
			)
		}
		return models.EncryptionKey{}, fmt.Errorf("failed to fetch encryption key %s [%w]", keyID, err)
	}
	return entry.EncryptionKey, nil
}

/*
GetActiveEncryptionKeyOfUser fetch the current active key of a user

	@param ctx context.Context - execution context
	@param userID int64 - the user
	@return key entry
*/
func (d *databaseImpl) GetActiveEncryptionKeyOfUser(
	_ context.Context, userID int64,
) (models.EncryptionKey, error) {
	var entries []EncryptionKeyDBEntry
	if tmp := d.db.
		Where("user_id = ? AND state = ?", userID, models.EncryptionKeyStateActive).
		Order("created_at desc").
		Limit(1).
		Find(&entries); tmp.Error != nil {
		return models.EncryptionKey{}, fmt.Errorf(
			"failed to query active encryption key of user %d [%w]", userID, tmp.Error,
		)
	}
	if len(entries) == 0 {
		return models.EncryptionKey{}, models.NewCoreError(
			models.ErrorCodeKeyNotFound, nil, "user %d has no active encryption key", userID,
		)
	}
	return entries[0].EncryptionKey, nil
}

/*
ListEncryptionKeys list encryption keys

	@param ctx context.Context - execution context
	@param filters EncryptionKeyQueryFilter - entry listing filter
	@return list of keys
*/
func (d *databaseImpl) ListEncryptionKeys(
	_ context.Context, filters EncryptionKeyQueryFilter,
) ([]models.EncryptionKey, error) {
	query := d.db.Model(&EncryptionKeyDBEntry{})

	if filters.TargetUserID != nil {
		query = query.Where("user_id = ?", *filters.TargetUserID)
	}

	if len(filters.TargetState) > 0 {
		query = query.Where("state in ?", filters.TargetState)
	}

	if filters.ExpiresBefore != nil {
		query = query.Where("expires_at < ?", filters.ExpiresBefore.UTC())
	}

	query = applyPaging(query, filters.CommonListEntryQueryFilter)

	query = query.Order("created_at desc")

	var entries []EncryptionKeyDBEntry
	if tmp := query.Find(&entries); tmp.Error != nil {
		return nil, fmt.Errorf("failed to list encryption keys [%w]", tmp.Error)
	}

	result := []models.EncryptionKey{}
	for _, entry := range entries {
		result = append(result, entry.EncryptionKey)
	}

	return result, nil
}

/*
ChangeEncryptionKeyState change the state of an encryption key

	@param ctx context.Context - execution context
	@param keyID string - the encryption key ID
	@param change EncryptionKeyStateChange - the state change
	@return updated key entry
*/
func (d *databaseImpl) ChangeEncryptionKeyState(
	ctx context.Context, keyID string, change EncryptionKeyStateChange,
) (models.EncryptionKey, error) {
	entry, err := d.getEncryptionKey(keyID)
	if err != nil {
		return models.EncryptionKey{}, fmt.Errorf("failed to fetch encryption key %s [%w]", keyID, err)
	}

	if entry.State != change.ExpectedState {
		return models.EncryptionKey{}, models.NewCoreError(
			models.ErrorCodeConcurrentUpdate,
			nil,
			"encryption key %s is %s, expected %s",
			keyID,
			entry.State,
			change.ExpectedState,
		)
	}

	if entry.State == change.NewState {
		// NOOP
		return entry.EncryptionKey, nil
	}

	if err := entry.ValidateNextState(change.NewState); err != nil {
		return models.EncryptionKey{}, fmt.Errorf(
			"encryption key state change to %s not allowed [%w]", change.NewState, err,
		)
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{"state": change.NewState}
	switch change.NewState {
	case models.EncryptionKeyStateRotated:
		updates["rotated_at"] = now
		entry.RotatedAt = &now
	case models.EncryptionKeyStateRevoked:
		updates["revoked_at"] = now
		entry.RevokedAt = &now
	}
	if len(change.Metadata) > 0 {
		entry.Metadata = datatypes.JSONMap(mergeMetadata(entry.Metadata, change.Metadata))
		updates["metadata"] = entry.Metadata
	}

	// Compare-and-swap on the state column
	tmp := d.db.Model(&EncryptionKeyDBEntry{}).
		Where("id = ? AND state = ?", keyID, change.ExpectedState).
		Updates(updates)
	if tmp.Error != nil {
		return models.EncryptionKey{}, fmt.Errorf(
			"encryption key %s state change update failed [%w]", keyID, tmp.Error,
		)
	}
	if tmp.RowsAffected == 0 {
		return models.EncryptionKey{}, models.NewCoreError(
			models.ErrorCodeConcurrentUpdate,
			nil,
			"encryption key %s left state %s during update",
			keyID,
			change.ExpectedState,
		)
	}
	entry.State = change.NewState

	// Record this event
	var eventType models.AuditEventTypeENUMType
	switch change.NewState {
	case models.EncryptionKeyStateRotated:
		eventType = models.AuditEventTypeRotateEncryptionKey
	case models.EncryptionKeyStateRevoked:
		eventType = models.AuditEventTypeRevokeEncryptionKey
	case models.EncryptionKeyStateExpired:
		eventType = models.AuditEventTypeExpireEncryptionKey
	case models.EncryptionKeyStateRestored:
		eventType = models.AuditEventTypeRestoreEncryptionKey
	}
	if eventType != "" {
		if _, err := d.defineNewAuditEvent(
			ctx,
			eventType,
			entry.UserID,
			models.AuditEventEncKeyRelated{
				KeyID: keyID, NewKeyID: change.NewKeyID, Reason: change.Reason,
			},
		); err != nil {
			return models.EncryptionKey{}, fmt.Errorf(
				"failed to log encryption key state change audit event [%w]", err,
			)
		}
	}

	return entry.EncryptionKey, nil
}
