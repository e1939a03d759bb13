package encryption

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/enclave/db"
	"github.com/alwitt/enclave/models"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// Key metadata fields
const (
	keyMetaRotatedTo          = "rotated_to"
	keyMetaRotationReason     = "rotation_reason"
	keyMetaRevocationReason   = "revocation_reason"
	keyMetaRestoredFromBackup = "restored_from_backup"
	keyMetaBackupPath         = "backup_path"
	keyMetaRestoredBy         = "restored_by"
	keyMetaSupersededBy       = "superseded_by"
)

func userCacheKey(userID int64) string {
	return fmt.Sprintf("user:%d", userID)
}

func keyCacheKey(keyID string) string {
	return fmt.Sprintf("key:%s", keyID)
}

// cacheUserKey cache a decrypted key. Active keys are also cached as the user's current key.
func (m *keyManagerImpl) cacheUserKey(ctx context.Context, key UserKey) {
	m.keyCache.Put(ctx, keyCacheKey(key.Entry.ID), key)
	if key.Entry.State == models.EncryptionKeyStateActive {
		m.keyCache.Put(ctx, userCacheKey(key.Entry.UserID), key)
	}
}

// uncacheUserKeys evict the user's current key and the listed keys
func (m *keyManagerImpl) uncacheUserKeys(ctx context.Context, userID int64, keyIDs ...string) {
	m.keyCache.Forget(ctx, userCacheKey(userID))
	for _, keyID := range keyIDs {
		m.keyCache.Forget(ctx, keyCacheKey(keyID))
	}
}

// newKeyMaterial generate a fresh master key and user key
func (m *keyManagerImpl) newKeyMaterial() ([]byte, []byte, error) {
	if err := checkKeyLength(m.keyLength); err != nil {
		return nil, nil, err
	}
	masterKey, err := readRandom(m.rng, MasterKeyLength)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate master key [%w]", err)
	}
	userKey, err := readRandom(m.rng, m.keyLength)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate user key [%w]", err)
	}
	return masterKey, userKey, nil
}

// sealedKey key material prepared for storage
type sealedKey struct {
	params db.NewEncryptionKeyParams
	// wrappedUserKey the password wrapped user key, before system sealing
	wrappedUserKey []byte
}

// sealKeyMaterial seal key material for storage, password wrapping the user key if asked
func (m *keyManagerImpl) sealKeyMaterial(
	ctx context.Context,
	userID int64,
	masterKey []byte,
	userKey []byte,
	algorithm models.CipherAlgorithmENUMType,
	password string,
	metadata map[string]interface{},
) (sealedKey, error) {
	result := sealedKey{
		params: db.NewEncryptionKeyParams{
			KeyID:     uuid.NewString(),
			UserID:    userID,
			Algorithm: algorithm,
			KeyLength: len(userKey),
			ExpiresAt: time.Now().UTC().Add(m.rotationPeriod),
			Metadata:  metadata,
		},
	}

	storedUserKey := userKey
	if password != "" {
		salt, err := readRandom(m.rng, SaltLength)
		if err != nil {
			return sealedKey{}, fmt.Errorf("failed to generate KDF salt [%w]", err)
		}
		wrapKey, err := pbkdf2Key([]byte(password), salt, m.pbkdf2Iterations)
		if err != nil {
			return sealedKey{}, err
		}
		wrapper, err := newSealer(wrapKey, m.rng)
		if err != nil {
			return sealedKey{}, err
		}
		if storedUserKey, err = wrapper.seal(ctx, userKey); err != nil {
			return sealedKey{}, models.NewCoreError(
				models.ErrorCodeEncryptionFailed, err, "failed to password wrap user key",
			)
		}
		result.wrappedUserKey = storedUserKey
		result.params.PasswordProtected = true
		result.params.KDFSalt = salt
		result.params.KDFIterations = m.pbkdf2Iterations
	}

	var err error
	if result.params.EncMasterKey, err = m.system.seal(ctx, masterKey); err != nil {
		return sealedKey{}, models.NewCoreError(
			models.ErrorCodeEncryptionFailed, err, "failed to seal master key",
		)
	}
	if result.params.EncUserKey, err = m.system.seal(ctx, storedUserKey); err != nil {
		return sealedKey{}, models.NewCoreError(
			models.ErrorCodeEncryptionFailed, err, "failed to seal user key",
		)
	}

	return result, nil
}

// openKeyEntry decrypt the key material of a key record
func (m *keyManagerImpl) openKeyEntry(
	ctx context.Context, entry models.EncryptionKey, password string,
) (UserKey, error) {
	masterKey, err := m.system.open(ctx, entry.EncMasterKey)
	if err != nil {
		return UserKey{}, models.NewCoreError(
			models.ErrorCodeDecryptionFailed, err, "failed to unseal master key of %s", entry.ID,
		)
	}
	userKey, err := m.system.open(ctx, entry.EncUserKey)
	if err != nil {
		return UserKey{}, models.NewCoreError(
			models.ErrorCodeDecryptionFailed, err, "failed to unseal user key of %s", entry.ID,
		)
	}

	if entry.PasswordProtected {
		if password == "" {
			return UserKey{}, models.NewCoreError(
				models.ErrorCodeKeyLocked, nil, "key %s is password protected", entry.ID,
			)
		}
		wrapKey, err := pbkdf2Key([]byte(password), entry.KDFSalt, entry.KDFIterations)
		if err != nil {
			return UserKey{}, err
		}
		wrapper, err := newSealer(wrapKey, m.rng)
		if err != nil {
			return UserKey{}, err
		}
		if userKey, err = wrapper.open(ctx, userKey); err != nil {
			return UserKey{}, models.NewCoreError(
				models.ErrorCodeDecryptionFailed, err, "wrong password for key %s", entry.ID,
			)
		}
	}

	return UserKey{
		Entry:    entry,
		Material: models.KeyPair{KeyID: entry.ID, MasterKey: masterKey, UserKey: userKey},
	}, nil
}

/*
recordNewKey seal and record new key material, superseding the user's current active key.

The old active keys leave ACTIVE before the new key is inserted. A concurrent writer claiming
the same user surfaces as ErrConcurrentUpdate.
*/
func (m *keyManagerImpl) recordNewKey(
	ctx context.Context,
	dbClient db.Database,
	userID int64,
	masterKey []byte,
	userKey []byte,
	algorithm models.CipherAlgorithmENUMType,
	password string,
	metadata map[string]interface{},
	supersede db.EncryptionKeyStateChange,
) (UserKey, sealedKey, []string, error) {
	sealed, err := m.sealKeyMaterial(
		ctx, userID, masterKey, userKey, algorithm, password, metadata,
	)
	if err != nil {
		return UserKey{}, sealedKey{}, nil, err
	}

	current, err := dbClient.ListEncryptionKeys(ctx, db.EncryptionKeyQueryFilter{
		TargetUserID: &userID,
		TargetState:  []models.EncryptionKeyStateENUMType{models.EncryptionKeyStateActive},
	})
	if err != nil {
		return UserKey{}, sealedKey{}, nil, fmt.Errorf(
			"failed to list active keys of user %d [%w]", userID, err,
		)
	}

	newKeyID := sealed.params.KeyID
	superseded := []string{}
	for _, oldKey := range current {
		change := supersede
		change.ExpectedState = models.EncryptionKeyStateActive
		change.NewKeyID = newKeyID
		change.Metadata = map[string]interface{}{keyMetaSupersededBy: newKeyID}
		if change.NewState == models.EncryptionKeyStateRotated {
			change.Metadata[keyMetaRotatedTo] = newKeyID
			change.Metadata[keyMetaRotationReason] = change.Reason
		}
		for k, v := range supersede.Metadata {
			change.Metadata[k] = v
		}
		if _, err := dbClient.ChangeEncryptionKeyState(ctx, oldKey.ID, change); err != nil {
			return UserKey{}, sealedKey{}, nil, fmt.Errorf(
				"failed to supersede key %s of user %d [%w]", oldKey.ID, userID, err,
			)
		}
		superseded = append(superseded, oldKey.ID)
	}

	entry, err := dbClient.RecordEncryptionKey(ctx, sealed.params)
	if err != nil {
		return UserKey{}, sealedKey{}, nil, fmt.Errorf(
			"failed to record new key for user %d [%w]", userID, err,
		)
	}

	return UserKey{
		Entry:    entry,
		Material: models.KeyPair{KeyID: entry.ID, MasterKey: masterKey, UserKey: userKey},
	}, sealed, superseded, nil
}

// supersedeAttempts attempts made when a concurrent writer replaces the user's active key first
const supersedeAttempts = 3

// withSupersedeRetry repeat a key superseding transaction lost to a concurrent writer
func (m *keyManagerImpl) withSupersedeRetry(
	ctx context.Context, userID int64, attempt func() error,
) error {
	logTags := models.LogFieldsFromContext(ctx, m.LogTags)
	var err error
	for i := 0; i < supersedeAttempts; i++ {
		if err = attempt(); err == nil || !errors.Is(err, models.ErrConcurrentUpdate) {
			return err
		}
		log.WithError(err).
			WithFields(logTags).
			WithField("user_id", userID).
			WithField("attempt", i+1).
			Debug("Active key changed concurrently, retrying")
	}
	return err
}

// ensureUserKey create the user's first key, adopting an active key created concurrently
func (m *keyManagerImpl) ensureUserKey(ctx context.Context, userID int64) (UserKey, error) {
	logTags := models.LogFieldsFromContext(ctx, m.LogTags)

	masterKey, userKey, err := m.newKeyMaterial()
	if err != nil {
		return UserKey{}, err
	}

	var newKey UserKey
	err = m.persistence.UseDatabaseInTransaction(
		ctx, func(ctx context.Context, dbClient db.Database) error {
			_, err := dbClient.GetActiveEncryptionKeyOfUser(ctx, userID)
			if err == nil {
				return models.NewCoreError(
					models.ErrorCodeConcurrentUpdate, nil, "user %d already has an active key", userID,
				)
			}
			if !errors.Is(err, models.ErrKeyNotFound) {
				return err
			}

			sealed, err := m.sealKeyMaterial(ctx, userID, masterKey, userKey, m.algorithm, "", nil)
			if err != nil {
				return err
			}
			entry, err := dbClient.RecordEncryptionKey(ctx, sealed.params)
			if err != nil {
				return fmt.Errorf("failed to record first key for user %d [%w]", userID, err)
			}
			newKey = UserKey{
				Entry:    entry,
				Material: models.KeyPair{KeyID: entry.ID, MasterKey: masterKey, UserKey: userKey},
			}
			return nil
		},
	)
	if err != nil {
		if errors.Is(err, models.ErrConcurrentUpdate) {
			log.WithFields(logTags).
				WithField("user_id", userID).
				Info("Key generated by another caller, using it")
			return m.currentActiveKey(ctx, userID)
		}
		log.WithError(err).WithFields(logTags).WithField("user_id", userID).Error("Key generation failed")
		return UserKey{}, err
	}

	m.cacheUserKey(ctx, newKey)

	log.WithFields(logTags).
		WithField("user_id", userID).
		WithField("key_id", newKey.Entry.ID).
		Info("Generated first user key")

	return newKey, nil
}

// GenerateUserKeys create a new active key for a user, superseding any current key
func (m *keyManagerImpl) GenerateUserKeys(
	ctx context.Context, userID int64, password string,
) (GeneratedKeys, error) {
	logTags := models.LogFieldsFromContext(ctx, m.LogTags)

	masterKey, userKey, err := m.newKeyMaterial()
	if err != nil {
		return GeneratedKeys{}, err
	}

	var newKey UserKey
	var sealed sealedKey
	var superseded []string
	if err := m.withSupersedeRetry(ctx, userID, func() error {
		return m.persistence.UseDatabaseInTransaction(
			ctx, func(ctx context.Context, dbClient db.Database) error {
				var err error
				newKey, sealed, superseded, err = m.recordNewKey(
					ctx,
					dbClient,
					userID,
					masterKey,
					userKey,
					m.algorithm,
					password,
					nil,
					db.EncryptionKeyStateChange{
						NewState: models.EncryptionKeyStateRotated,
						Reason:   "superseded by newly generated key",
					},
				)
				return err
			},
		)
	}); err != nil {
		log.WithError(err).WithFields(logTags).WithField("user_id", userID).Error("Key generation failed")
		return GeneratedKeys{}, err
	}

	m.uncacheUserKeys(ctx, userID, superseded...)
	m.cacheUserKey(ctx, newKey)

	result := GeneratedKeys{
		KeyID:             newKey.Entry.ID,
		UserID:            userID,
		Algorithm:         newKey.Entry.Algorithm,
		KeyLength:         newKey.Entry.KeyLength,
		ExpiresAt:         newKey.Entry.ExpiresAt,
		MasterKey:         base64.StdEncoding.EncodeToString(masterKey),
		UserKey:           base64.StdEncoding.EncodeToString(userKey),
		PasswordProtected: newKey.Entry.PasswordProtected,
	}
	if newKey.Entry.PasswordProtected {
		result.UserKey = base64.StdEncoding.EncodeToString(sealed.wrappedUserKey)
		result.Salt = base64.StdEncoding.EncodeToString(sealed.params.KDFSalt)
		result.Iterations = sealed.params.KDFIterations
	}

	log.WithFields(logTags).
		WithField("user_id", userID).
		WithField("key_id", newKey.Entry.ID).
		WithField("password_protected", newKey.Entry.PasswordProtected).
		Info("Generated user keys")

	return result, nil
}

// GetUserKeys fetch the decrypted key pair of the user's active key
func (m *keyManagerImpl) GetUserKeys(
	ctx context.Context, userID int64, password string,
) (models.KeyPair, error) {
	if cached, ok := m.keyCache.Get(ctx, userCacheKey(userID)); ok {
		if !cached.Entry.IsExpired(time.Now().UTC()) {
			return cached.Material, nil
		}
		m.keyCache.Forget(ctx, userCacheKey(userID))
	}

	var entry models.EncryptionKey
	if err := m.persistence.UseDatabase(
		ctx, func(ctx context.Context, dbClient db.Database) error {
			var err error
			entry, err = dbClient.GetActiveEncryptionKeyOfUser(ctx, userID)
			return err
		},
	); err != nil {
		return models.KeyPair{}, err
	}

	if entry.IsExpired(time.Now().UTC()) {
		return models.KeyPair{}, models.NewCoreError(
			models.ErrorCodeKeyExpired,
			nil,
			"key %s of user %d expired at %s",
			entry.ID,
			userID,
			entry.ExpiresAt.Format(time.RFC3339),
		)
	}

	key, err := m.openKeyEntry(ctx, entry, password)
	if err != nil {
		return models.KeyPair{}, err
	}
	m.cacheUserKey(ctx, key)

	return key.Material, nil
}

// GetUserKey fetch the user's active key, generating or rotating it as needed
func (m *keyManagerImpl) GetUserKey(ctx context.Context, userID int64) (UserKey, error) {
	logTags := models.LogFieldsFromContext(ctx, m.LogTags)
	now := time.Now().UTC()

	if cached, ok := m.keyCache.Get(ctx, userCacheKey(userID)); ok {
		if !cached.Entry.IsExpired(now) {
			return cached, nil
		}
		m.keyCache.Forget(ctx, userCacheKey(userID))
	}

	var entry models.EncryptionKey
	err := m.persistence.UseDatabase(ctx, func(ctx context.Context, dbClient db.Database) error {
		var err error
		entry, err = dbClient.GetActiveEncryptionKeyOfUser(ctx, userID)
		return err
	})
	if err != nil {
		if !errors.Is(err, models.ErrKeyNotFound) {
			return UserKey{}, err
		}
		log.WithFields(logTags).WithField("user_id", userID).Info("No active key, generating one")
		return m.ensureUserKey(ctx, userID)
	}

	if entry.IsExpired(now) {
		log.WithFields(logTags).
			WithField("user_id", userID).
			WithField("key_id", entry.ID).
			Info("Active key expired, rotating")
		return m.rotateUserKey(ctx, userID, entry.ID, "expired")
	}

	key, err := m.openKeyEntry(ctx, entry, "")
	if err != nil {
		return UserKey{}, err
	}
	m.cacheUserKey(ctx, key)
	return key, nil
}

// GetUserKeyByID fetch a specific, non-revoked key of the user
func (m *keyManagerImpl) GetUserKeyByID(
	ctx context.Context, userID int64, keyID string,
) (UserKey, error) {
	if cached, ok := m.keyCache.Get(ctx, keyCacheKey(keyID)); ok && cached.Entry.UserID == userID {
		return cached, nil
	}

	var entry models.EncryptionKey
	if err := m.persistence.UseDatabase(
		ctx, func(ctx context.Context, dbClient db.Database) error {
			var err error
			entry, err = dbClient.GetEncryptionKey(ctx, keyID)
			return err
		},
	); err != nil {
		return UserKey{}, err
	}

	if entry.UserID != userID || entry.State == models.EncryptionKeyStateRevoked {
		return UserKey{}, models.NewCoreError(
			models.ErrorCodeKeyNotFound, nil, "user %d has no usable key %s", userID, keyID,
		)
	}

	key, err := m.openKeyEntry(ctx, entry, "")
	if err != nil {
		return UserKey{}, err
	}
	m.keyCache.Put(ctx, keyCacheKey(keyID), key)
	return key, nil
}

// ListUserKeys list the key history of a user
func (m *keyManagerImpl) ListUserKeys(
	ctx context.Context, userID int64, states []models.EncryptionKeyStateENUMType,
) ([]models.EncryptionKey, error) {
	var keys []models.EncryptionKey
	err := m.persistence.UseDatabase(ctx, func(ctx context.Context, dbClient db.Database) error {
		var err error
		keys, err = dbClient.ListEncryptionKeys(ctx, db.EncryptionKeyQueryFilter{
			TargetUserID: &userID, TargetState: states,
		})
		return err
	})
	return keys, err
}

// RotateUserKey replace an active key with a new one
func (m *keyManagerImpl) RotateUserKey(
	ctx context.Context, userID int64, oldKeyID string,
) (UserKey, error) {
	return m.rotateUserKey(ctx, userID, oldKeyID, "scheduled")
}

// rotateUserKey replace an active key. Losing a rotation race returns the winner's key.
func (m *keyManagerImpl) rotateUserKey(
	ctx context.Context, userID int64, oldKeyID string, reason string,
) (UserKey, error) {
	logTags := models.LogFieldsFromContext(ctx, m.LogTags)

	masterKey, userKey, err := m.newKeyMaterial()
	if err != nil {
		return UserKey{}, err
	}

	var newKey UserKey
	err = m.persistence.UseDatabaseInTransaction(
		ctx, func(ctx context.Context, dbClient db.Database) error {
			oldKey, err := dbClient.GetEncryptionKey(ctx, oldKeyID)
			if err != nil {
				return err
			}
			if oldKey.UserID != userID {
				return models.NewCoreError(
					models.ErrorCodeKeyNotFound, nil, "key %s does not belong to user %d", oldKeyID, userID,
				)
			}
			if oldKey.State != models.EncryptionKeyStateActive {
				return models.NewCoreError(
					models.ErrorCodeConcurrentUpdate, nil, "key %s is already %s", oldKeyID, oldKey.State,
				)
			}

			sealed, err := m.sealKeyMaterial(
				ctx, userID, masterKey, userKey, m.algorithm, "", nil,
			)
			if err != nil {
				return err
			}
			newKeyID := sealed.params.KeyID

			if _, err := dbClient.ChangeEncryptionKeyState(ctx, oldKeyID, db.EncryptionKeyStateChange{
				ExpectedState: models.EncryptionKeyStateActive,
				NewState:      models.EncryptionKeyStateRotated,
				Metadata: map[string]interface{}{
					keyMetaRotatedTo: newKeyID, keyMetaRotationReason: reason,
				},
				Reason:   reason,
				NewKeyID: newKeyID,
			}); err != nil {
				return err
			}

			entry, err := dbClient.RecordEncryptionKey(ctx, sealed.params)
			if err != nil {
				return fmt.Errorf("failed to record rotated key for user %d [%w]", userID, err)
			}

			newKey = UserKey{
				Entry:    entry,
				Material: models.KeyPair{KeyID: entry.ID, MasterKey: masterKey, UserKey: userKey},
			}
			return nil
		},
	)

	m.uncacheUserKeys(ctx, userID, oldKeyID)

	if err != nil {
		if errors.Is(err, models.ErrConcurrentUpdate) {
			log.WithFields(logTags).
				WithField("user_id", userID).
				WithField("key_id", oldKeyID).
				Info("Key already rotated by another caller, using its replacement")
			return m.currentActiveKey(ctx, userID)
		}
		log.WithError(err).WithFields(logTags).WithField("user_id", userID).Error("Key rotation failed")
		return UserKey{}, err
	}

	m.cacheUserKey(ctx, newKey)

	log.WithFields(logTags).
		WithField("user_id", userID).
		WithField("old_key_id", oldKeyID).
		WithField("new_key_id", newKey.Entry.ID).
		WithField("reason", reason).
		Info("Rotated user key")

	return newKey, nil
}

// currentActiveKey read and open the user's active key straight from persistence
func (m *keyManagerImpl) currentActiveKey(ctx context.Context, userID int64) (UserKey, error) {
	var entry models.EncryptionKey
	if err := m.persistence.UseDatabase(
		ctx, func(ctx context.Context, dbClient db.Database) error {
			var err error
			entry, err = dbClient.GetActiveEncryptionKeyOfUser(ctx, userID)
			return err
		},
	); err != nil {
		return UserKey{}, err
	}
	key, err := m.openKeyEntry(ctx, entry, "")
	if err != nil {
		return UserKey{}, err
	}
	m.cacheUserKey(ctx, key)
	return key, nil
}

// ForceKeyRotation rotate the user's active key now, or generate one if none exists
func (m *keyManagerImpl) ForceKeyRotation(
	ctx context.Context, userID int64, reason string,
) (UserKey, error) {
	var entry models.EncryptionKey
	err := m.persistence.UseDatabase(ctx, func(ctx context.Context, dbClient db.Database) error {
		var err error
		entry, err = dbClient.GetActiveEncryptionKeyOfUser(ctx, userID)
		return err
	})
	if err != nil {
		if !errors.Is(err, models.ErrKeyNotFound) {
			return UserKey{}, err
		}
		generated, err := m.GenerateUserKeys(ctx, userID, "")
		if err != nil {
			return UserKey{}, err
		}
		return m.GetUserKeyByID(ctx, userID, generated.KeyID)
	}

	if reason == "" {
		reason = "forced"
	}
	return m.rotateUserKey(ctx, userID, entry.ID, reason)
}

// RevokeUserKey revoke all active and rotated keys of a user
func (m *keyManagerImpl) RevokeUserKey(
	ctx context.Context, userID int64, reason string,
) (int, error) {
	logTags := models.LogFieldsFromContext(ctx, m.LogTags)

	revoked := []string{}
	err := m.persistence.UseDatabaseInTransaction(
		ctx, func(ctx context.Context, dbClient db.Database) error {
			keys, err := dbClient.ListEncryptionKeys(ctx, db.EncryptionKeyQueryFilter{
				TargetUserID: &userID,
				TargetState: []models.EncryptionKeyStateENUMType{
					models.EncryptionKeyStateActive, models.EncryptionKeyStateRotated,
				},
			})
			if err != nil {
				return err
			}
			for _, key := range keys {
				if _, err := dbClient.ChangeEncryptionKeyState(ctx, key.ID, db.EncryptionKeyStateChange{
					ExpectedState: key.State,
					NewState:      models.EncryptionKeyStateRevoked,
					Metadata:      map[string]interface{}{keyMetaRevocationReason: reason},
					Reason:        reason,
				}); err != nil {
					return err
				}
				revoked = append(revoked, key.ID)
			}
			return nil
		},
	)

	// Evict regardless of outcome
	m.uncacheUserKeys(ctx, userID, revoked...)

	if err != nil {
		log.WithError(err).WithFields(logTags).WithField("user_id", userID).Error("Key revocation failed")
		return 0, err
	}

	log.WithFields(logTags).
		WithField("user_id", userID).
		WithField("revoked", len(revoked)).
		WithField("reason", reason).
		Warn("Revoked user keys")

	return len(revoked), nil
}

// CleanupExpiredKeys mark active keys past expiry as expired
func (m *keyManagerImpl) CleanupExpiredKeys(ctx context.Context) (int, error) {
	logTags := models.LogFieldsFromContext(ctx, m.LogTags)
	now := time.Now().UTC()

	var expired []models.EncryptionKey
	if err := m.persistence.UseDatabase(
		ctx, func(ctx context.Context, dbClient db.Database) error {
			var err error
			expired, err = dbClient.ListEncryptionKeys(ctx, db.EncryptionKeyQueryFilter{
				TargetState:   []models.EncryptionKeyStateENUMType{models.EncryptionKeyStateActive},
				ExpiresBefore: &now,
			})
			return err
		},
	); err != nil {
		return 0, fmt.Errorf("failed to list expired keys [%w]", err)
	}

	processed := 0
	for _, key := range expired {
		err := m.persistence.UseDatabaseInTransaction(
			ctx, func(ctx context.Context, dbClient db.Database) error {
				_, err := dbClient.ChangeEncryptionKeyState(ctx, key.ID, db.EncryptionKeyStateChange{
					ExpectedState: models.EncryptionKeyStateActive,
					NewState:      models.EncryptionKeyStateExpired,
					Reason:        "expiry sweep",
				})
				return err
			},
		)
		m.uncacheUserKeys(ctx, key.UserID, key.ID)
		if err != nil {
			log.WithError(err).
				WithFields(logTags).
				WithField("key_id", key.ID).
				Warn("Failed to expire key, continuing")
			continue
		}
		processed++
	}

	log.WithFields(logTags).WithField("expired", processed).Info("Expired key sweep done")
	return processed, nil
}
