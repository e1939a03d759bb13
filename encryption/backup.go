package encryption

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/alwitt/enclave/db"
	"github.com/alwitt/enclave/models"
	"github.com/apex/log"
	"github.com/oklog/ulid/v2"
)

// BackupFormatVersion key backup format version
const BackupFormatVersion = "1.0"

// backupFile the stored key backup. The payload is sealed with a PBKDF2 derived key.
type backupFile struct {
	Version    string                         `json:"version"`
	Algorithm  models.CipherAlgorithmENUMType `json:"algorithm"`
	Salt       string                         `json:"salt"`
	Iterations int                            `json:"iterations"`
	Nonce      string                         `json:"nonce"`
	CipherText string                         `json:"ciphertext"`
}

// backupPayload the plain text content of a key backup
type backupPayload struct {
	UserID     int64                          `json:"user_id"`
	MasterKey  string                         `json:"master_key"`
	UserKey    string                         `json:"user_key"`
	Algorithm  models.CipherAlgorithmENUMType `json:"algorithm"`
	KeyLength  int                            `json:"key_length"`
	BackupDate time.Time                      `json:"backup_date"`
	Version    string                         `json:"version"`
}

func (p backupPayload) complete() bool {
	return p.UserID != 0 && p.MasterKey != "" && p.UserKey != "" && p.Version != ""
}

// backupCipher the cipher protecting key backups
var backupCipher = aesGCMCipher{algorithm: models.CipherAlgorithmAES256GCM, keyLen: 32}

// backupObjectPath generate a unique backup object path for a user
func (m *keyManagerImpl) backupObjectPath(userID int64, now time.Time) string {
	return path.Join(
		m.backupPrefix,
		fmt.Sprintf("user_%d", userID),
		fmt.Sprintf("%s_%s.backup", now.Format("20060102T150405Z"), ulid.Make().String()),
	)
}

// activeKeyForBackup fetch the user's active key without generating or rotating one
func (m *keyManagerImpl) activeKeyForBackup(ctx context.Context, userID int64) (UserKey, error) {
	if cached, ok := m.keyCache.Get(ctx, userCacheKey(userID)); ok {
		return cached, nil
	}
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
	return m.openKeyEntry(ctx, entry, "")
}

// BackupUserKeys write a password encrypted backup of the user's active key
func (m *keyManagerImpl) BackupUserKeys(
	ctx context.Context, userID int64, backupPassword string,
) (string, error) {
	logTags := models.LogFieldsFromContext(ctx, m.LogTags)

	if backupPassword == "" {
		return "", fmt.Errorf("backup password is required")
	}

	key, err := m.activeKeyForBackup(ctx, userID)
	if err != nil {
		log.WithError(err).WithFields(logTags).WithField("user_id", userID).Error("Key backup failed")
		return "", err
	}

	now := time.Now().UTC()
	payload, err := json.Marshal(backupPayload{
		UserID:     userID,
		MasterKey:  base64.StdEncoding.EncodeToString(key.Material.MasterKey),
		UserKey:    base64.StdEncoding.EncodeToString(key.Material.UserKey),
		Algorithm:  key.Entry.Algorithm,
		KeyLength:  len(key.Material.UserKey),
		BackupDate: now,
		Version:    BackupFormatVersion,
	})
	if err != nil {
		return "", fmt.Errorf("failed to serialize key backup [%w]", err)
	}

	salt, err := readRandom(m.rng, SaltLength)
	if err != nil {
		return "", err
	}
	wrapKey, err := pbkdf2Key([]byte(backupPassword), salt, m.pbkdf2Iterations)
	if err != nil {
		return "", err
	}
	nonce, err := readRandom(m.rng, backupCipher.NonceLen())
	if err != nil {
		return "", err
	}
	cipherText, tag, err := backupCipher.Seal(ctx, wrapKey, nonce, payload)
	if err != nil {
		return "", models.NewCoreError(
			models.ErrorCodeEncryptionFailed, err, "failed to encrypt key backup",
		)
	}

	serialized, err := json.Marshal(backupFile{
		Version:    BackupFormatVersion,
		Algorithm:  backupCipher.Algorithm(),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Iterations: m.pbkdf2Iterations,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		CipherText: base64.StdEncoding.EncodeToString(append(cipherText, tag...)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to serialize key backup [%w]", err)
	}

	backupPath := m.backupObjectPath(userID, now)
	if err := m.blobs.Write(ctx, backupPath, serialized); err != nil {
		log.WithError(err).WithFields(logTags).WithField("user_id", userID).Error("Key backup write failed")
		return "", fmt.Errorf("failed to store key backup [%w]", err)
	}

	if err := m.persistence.UseDatabase(
		ctx, func(ctx context.Context, dbClient db.Database) error {
			_, err := dbClient.RecordAuditEvent(
				ctx,
				models.AuditEventTypeBackupEncryptionKey,
				userID,
				models.AuditEventEncKeyRelated{KeyID: key.Entry.ID, BackupPath: backupPath},
			)
			return err
		},
	); err != nil {
		return "", err
	}

	log.WithFields(logTags).
		WithField("user_id", userID).
		WithField("key_id", key.Entry.ID).
		WithField("backup_path", backupPath).
		Info("Backed up user keys")

	return backupPath, nil
}

// readBackup read and decrypt a key backup
func (m *keyManagerImpl) readBackup(
	ctx context.Context, backupPath string, backupPassword string,
) (backupPayload, error) {
	raw, err := m.blobs.Read(ctx, backupPath)
	if err != nil {
		return backupPayload{}, fmt.Errorf("failed to read key backup %s [%w]", backupPath, err)
	}

	var stored backupFile
	if err := json.Unmarshal(raw, &stored); err != nil {
		return backupPayload{}, models.NewCoreError(
			models.ErrorCodeInvalidBackup, err, "key backup %s is not parsable", backupPath,
		)
	}
	if stored.Version != BackupFormatVersion {
		return backupPayload{}, models.NewCoreError(
			models.ErrorCodeUnsupportedVersion,
			nil,
			"key backup %s has version '%s'",
			backupPath,
			stored.Version,
		)
	}
	if stored.Algorithm != backupCipher.Algorithm() {
		return backupPayload{}, models.NewCoreError(
			models.ErrorCodeInvalidBackup, nil, "key backup %s uses unknown cipher", backupPath,
		)
	}

	salt, saltErr := base64.StdEncoding.DecodeString(stored.Salt)
	nonce, nonceErr := base64.StdEncoding.DecodeString(stored.Nonce)
	sealed, sealedErr := base64.StdEncoding.DecodeString(stored.CipherText)
	if err := errors.Join(saltErr, nonceErr, sealedErr); err != nil {
		return backupPayload{}, models.NewCoreError(
			models.ErrorCodeInvalidBackup, err, "key backup %s is not decodable", backupPath,
		)
	}
	if len(sealed) < aeadTagLen {
		return backupPayload{}, models.NewCoreError(
			models.ErrorCodeInvalidBackup, nil, "key backup %s is truncated", backupPath,
		)
	}
	if stored.Iterations < MinBackupIterations || stored.Iterations > MaxBackupIterations {
		return backupPayload{}, models.NewCoreError(
			models.ErrorCodeInvalidBackup,
			nil,
			"key backup %s iteration count %d outside of [%d, %d]",
			backupPath,
			stored.Iterations,
			MinBackupIterations,
			MaxBackupIterations,
		)
	}

	wrapKey, err := pbkdf2Key([]byte(backupPassword), salt, stored.Iterations)
	if err != nil {
		return backupPayload{}, err
	}
	plainText, err := backupCipher.Open(
		ctx, wrapKey, nonce, sealed[:len(sealed)-aeadTagLen], sealed[len(sealed)-aeadTagLen:],
	)
	if err != nil {
		return backupPayload{}, models.NewCoreError(
			models.ErrorCodeDecryptionFailed, err, "failed to decrypt key backup %s", backupPath,
		)
	}

	var payload backupPayload
	if err := json.Unmarshal(plainText, &payload); err != nil {
		return backupPayload{}, models.NewCoreError(
			models.ErrorCodeInvalidBackup, err, "key backup %s content is not parsable", backupPath,
		)
	}
	if !payload.complete() {
		return backupPayload{}, models.NewCoreError(
			models.ErrorCodeInvalidBackup, nil, "key backup %s is missing fields", backupPath,
		)
	}
	if payload.Version != BackupFormatVersion {
		return backupPayload{}, models.NewCoreError(
			models.ErrorCodeUnsupportedVersion,
			nil,
			"key backup %s content has version '%s'",
			backupPath,
			payload.Version,
		)
	}

	return payload, nil
}

// RestoreUserKeys restore a user's key from a backup
func (m *keyManagerImpl) RestoreUserKeys(
	ctx context.Context, backupPath, backupPassword string,
) (UserKey, error) {
	logTags := models.LogFieldsFromContext(ctx, m.LogTags)

	payload, err := m.readBackup(ctx, backupPath, backupPassword)
	if err != nil {
		log.WithError(err).WithFields(logTags).WithField("backup_path", backupPath).Error("Key restore failed")
		return UserKey{}, err
	}

	masterKey, masterErr := base64.StdEncoding.DecodeString(payload.MasterKey)
	userKey, userErr := base64.StdEncoding.DecodeString(payload.UserKey)
	if err := errors.Join(masterErr, userErr); err != nil {
		return UserKey{}, models.NewCoreError(
			models.ErrorCodeInvalidBackup, err, "key backup %s key material not decodable", backupPath,
		)
	}
	if len(masterKey) != MasterKeyLength {
		return UserKey{}, models.NewCoreError(
			models.ErrorCodeInvalidBackup, nil, "key backup %s master key is malformed", backupPath,
		)
	}
	if err := checkKeyLength(len(userKey)); err != nil {
		return UserKey{}, err
	}
	algorithm := payload.Algorithm
	if algorithm == "" {
		algorithm = m.algorithm
	}
	if !algorithm.IsKnown() {
		return UserKey{}, models.NewCoreError(
			models.ErrorCodeInvalidBackup,
			nil,
			"key backup %s names unknown algorithm '%s'",
			backupPath,
			algorithm,
		)
	}

	userID := payload.UserID
	reqCtx := models.GetRequestContext(ctx)
	var restored UserKey
	var superseded []string
	if err := m.withSupersedeRetry(ctx, userID, func() error {
		return m.persistence.UseDatabaseInTransaction(
			ctx, func(ctx context.Context, dbClient db.Database) error {
				var err error
				restored, _, superseded, err = m.recordNewKey(
					ctx,
					dbClient,
					userID,
					masterKey,
					userKey,
					algorithm,
					"",
					map[string]interface{}{
						keyMetaRestoredFromBackup: true,
						keyMetaBackupPath:         backupPath,
						keyMetaRestoredBy:         reqCtx.Actor,
					},
					db.EncryptionKeyStateChange{
						NewState: models.EncryptionKeyStateRestored,
						Reason:   "restored from backup",
					},
				)
				return err
			},
		)
	}); err != nil {
		log.WithError(err).WithFields(logTags).WithField("user_id", userID).Error("Key restore failed")
		return UserKey{}, err
	}

	m.uncacheUserKeys(ctx, userID, superseded...)
	m.cacheUserKey(ctx, restored)

	log.WithFields(logTags).
		WithField("user_id", userID).
		WithField("key_id", restored.Entry.ID).
		WithField("backup_path", backupPath).
		WithField("superseded", len(superseded)).
		Info("Restored user keys from backup")

	return restored, nil
}
