package encryption

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/alwitt/enclave/db"
	"github.com/alwitt/enclave/models"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestKeyBackupRestore(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := models.WithRequestContext(
		context.Background(), models.RequestContext{Actor: "unit-tester"},
	)
	fixture := newTestFixture(t, utCtx, newTestConfig(t))
	defer func() {
		assert.Nil(fixture.persistence.Close())
	}()

	testUser := int64(42)

	// Case 0: nothing to back up
	{
		_, err := fixture.keys.BackupUserKeys(utCtx, testUser, "backup-pw")
		assert.ErrorIs(err, models.ErrKeyNotFound)
	}

	generated, err := fixture.keys.GenerateUserKeys(utCtx, testUser, "")
	assert.Nil(err)
	envelope, err := fixture.svc.Encrypt(utCtx, []byte("before backup"), testUser, nil)
	assert.Nil(err)

	// Case 1: backup
	backupPath, err := fixture.keys.BackupUserKeys(utCtx, testUser, "backup-pw")
	assert.Nil(err)
	assert.True(strings.HasPrefix(backupPath, "key-backups/user_42/"))
	assert.True(strings.HasSuffix(backupPath, ".backup"))
	{
		raw, err := fixture.blobs.Read(utCtx, backupPath)
		assert.Nil(err)
		var stored backupFile
		assert.Nil(json.Unmarshal(raw, &stored))
		assert.Equal(BackupFormatVersion, stored.Version)
		assert.Equal(fixture.cfg.Crypto.PBKDF2Iterations, stored.Iterations)
		assert.NotContains(string(raw), generated.UserKey)
		assert.NotContains(string(raw), generated.MasterKey)
	}

	// Case 2: wrong password
	{
		_, err := fixture.keys.RestoreUserKeys(utCtx, backupPath, "not-the-pw")
		assert.ErrorIs(err, models.ErrDecryptionFailed)
	}

	// Case 3: the user rotates away, then restores
	_, err = fixture.keys.ForceKeyRotation(utCtx, testUser, "manual")
	assert.Nil(err)

	restored, err := fixture.keys.RestoreUserKeys(utCtx, backupPath, "backup-pw")
	assert.Nil(err)
	assert.Equal(testUser, restored.Entry.UserID)
	assert.NotEqual(generated.KeyID, restored.Entry.ID)
	assert.Equal(true, restored.Entry.Metadata[keyMetaRestoredFromBackup])
	assert.Equal(backupPath, restored.Entry.Metadata[keyMetaBackupPath])
	{
		states := countKeysByState(t, utCtx, fixture.keys, testUser)
		assert.Equal(1, states[models.EncryptionKeyStateActive])
		assert.Equal(1, states[models.EncryptionKeyStateRestored])
		assert.Equal(1, states[models.EncryptionKeyStateRotated])
	}

	// Restored key carries the original material
	{
		key, err := fixture.freshKeyManager(t, utCtx).GetUserKey(utCtx, testUser)
		assert.Nil(err)
		assert.Equal(restored.Entry.ID, key.Entry.ID)

		original, err := fixture.keys.GetUserKeyByID(utCtx, testUser, generated.KeyID)
		assert.Nil(err)
		assert.Equal(original.Material.UserKey, key.Material.UserKey)
		assert.Equal(original.Material.MasterKey, key.Material.MasterKey)
	}

	// Data encrypted before the backup is readable with the active restored key
	{
		req := RequestFromEnvelope(envelope)
		req.KeyID = ""
		plainText, err := fixture.svc.Decrypt(utCtx, req, testUser)
		assert.Nil(err)
		assert.Equal([]byte("before backup"), plainText)
	}

	// Restored key round trips on its own
	{
		envelope, err := fixture.svc.Encrypt(utCtx, []byte("after restore"), testUser, nil)
		assert.Nil(err)
		assert.Equal(restored.Entry.ID, envelope.KeyID)
		plainText, err := fixture.svc.Decrypt(utCtx, RequestFromEnvelope(envelope), testUser)
		assert.Nil(err)
		assert.Equal([]byte("after restore"), plainText)
	}

	// Audit trail
	{
		var audits []models.AuditEvent
		assert.Nil(fixture.persistence.UseDatabase(
			utCtx, func(ctx context.Context, dbClient db.Database) error {
				var err error
				audits, err = dbClient.ListAuditEvents(ctx, db.AuditEventQueryFilter{
					EventTypes: []models.AuditEventTypeENUMType{
						models.AuditEventTypeBackupEncryptionKey,
						models.AuditEventTypeRestoreEncryptionKey,
					},
				})
				return err
			},
		))
		assert.Len(audits, 2)
		assert.Equal(models.AuditEventTypeBackupEncryptionKey, audits[0].EventType)
		assert.Equal("unit-tester", audits[0].Actor)
		assert.Equal(models.AuditEventTypeRestoreEncryptionKey, audits[1].EventType)
	}
}

func TestKeyRestoreRejectsBadBackups(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	fixture := newTestFixture(t, utCtx, newTestConfig(t))
	defer func() {
		assert.Nil(fixture.persistence.Close())
	}()

	// Missing backup
	{
		_, err := fixture.keys.RestoreUserKeys(utCtx, "key-backups/user_1/missing.backup", "pw")
		assert.NotNil(err)
	}

	// Not parsable
	{
		assert.Nil(fixture.blobs.Write(utCtx, "bad/garbage.backup", []byte("not json")))
		_, err := fixture.keys.RestoreUserKeys(utCtx, "bad/garbage.backup", "pw")
		assert.ErrorIs(err, models.ErrInvalidBackup)
	}

	// Unsupported version
	{
		raw, err := json.Marshal(backupFile{Version: "9.9", Algorithm: models.CipherAlgorithmAES256GCM})
		assert.Nil(err)
		assert.Nil(fixture.blobs.Write(utCtx, "bad/version.backup", raw))
		_, err = fixture.keys.RestoreUserKeys(utCtx, "bad/version.backup", "pw")
		assert.ErrorIs(err, models.ErrUnsupportedVersion)
	}

	// Undecodable fields
	{
		raw, err := json.Marshal(backupFile{
			Version:    BackupFormatVersion,
			Algorithm:  models.CipherAlgorithmAES256GCM,
			Salt:       "%%%",
			Iterations: 1000,
			Nonce:      "%%%",
			CipherText: "%%%",
		})
		assert.Nil(err)
		assert.Nil(fixture.blobs.Write(utCtx, "bad/decode.backup", raw))
		_, err = fixture.keys.RestoreUserKeys(utCtx, "bad/decode.backup", "pw")
		assert.ErrorIs(err, models.ErrInvalidBackup)
	}

	// Sealed payload missing required fields
	{
		uut := fixture.keys.(*keyManagerImpl)
		payload, err := json.Marshal(map[string]interface{}{"user_id": 5, "version": BackupFormatVersion})
		assert.Nil(err)

		salt, err := readRandom(uut.rng, SaltLength)
		assert.Nil(err)
		wrapKey, err := pbkdf2Key([]byte("pw"), salt, 1000)
		assert.Nil(err)
		nonce, err := readRandom(uut.rng, backupCipher.NonceLen())
		assert.Nil(err)
		cipherText, tag, err := backupCipher.Seal(utCtx, wrapKey, nonce, payload)
		assert.Nil(err)

		raw, err := json.Marshal(backupFile{
			Version:    BackupFormatVersion,
			Algorithm:  models.CipherAlgorithmAES256GCM,
			Salt:       encodeB64(salt),
			Iterations: 1000,
			Nonce:      encodeB64(nonce),
			CipherText: encodeB64(append(cipherText, tag...)),
		})
		assert.Nil(err)
		assert.Nil(fixture.blobs.Write(utCtx, "bad/incomplete.backup", raw))
		_, err = fixture.keys.RestoreUserKeys(utCtx, "bad/incomplete.backup", "pw")
		assert.ErrorIs(err, models.ErrInvalidBackup)
	}

	// Iteration count out of range
	{
		uut := fixture.keys.(*keyManagerImpl)
		salt, err := readRandom(uut.rng, SaltLength)
		assert.Nil(err)
		nonce, err := readRandom(uut.rng, backupCipher.NonceLen())
		assert.Nil(err)
		sealed, err := readRandom(uut.rng, 64)
		assert.Nil(err)

		for idx, iterations := range []int{0, -5, MinBackupIterations - 1, MaxBackupIterations + 1} {
			raw, err := json.Marshal(backupFile{
				Version:    BackupFormatVersion,
				Algorithm:  models.CipherAlgorithmAES256GCM,
				Salt:       encodeB64(salt),
				Iterations: iterations,
				Nonce:      encodeB64(nonce),
				CipherText: encodeB64(sealed),
			})
			assert.Nil(err)
			backupPath := fmt.Sprintf("bad/iterations_%d.backup", idx)
			assert.Nil(fixture.blobs.Write(utCtx, backupPath, raw))
			_, err = fixture.keys.RestoreUserKeys(utCtx, backupPath, "pw")
			assert.ErrorIs(err, models.ErrInvalidBackup, "iterations %d", iterations)
		}
	}
}

func TestKeyRestoreKeepsBackupAlgorithm(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := models.WithRequestContext(
		context.Background(), models.RequestContext{Actor: "unit-tester"},
	)
	cfg := newTestConfig(t)
	cfg.Crypto.Algorithm = models.CipherAlgorithmChaCha20Poly1305
	fixture := newTestFixture(t, utCtx, cfg)
	defer func() {
		assert.Nil(fixture.persistence.Close())
	}()

	testUser := int64(9)

	envelope, err := fixture.svc.Encrypt(utCtx, []byte("chacha sealed"), testUser, nil)
	assert.Nil(err)
	assert.Equal(models.CipherAlgorithmChaCha20Poly1305, envelope.Algorithm)

	backupPath, err := fixture.keys.BackupUserKeys(utCtx, testUser, "backup-pw")
	assert.Nil(err)

	// Restore on a deployment whose new keys use a different cipher
	otherCfg := fixture.cfg
	otherCfg.Crypto.Algorithm = models.CipherAlgorithmAES256GCM
	otherKeys, err := NewKeyManager(utCtx, KeyManagerParams{
		Persistence: fixture.persistence,
		BlobStore:   fixture.blobs,
		Config:      otherCfg,
		Engine:      fixture.engine,
	})
	assert.Nil(err)
	otherSvc, err := NewService(utCtx, ServiceParams{
		KeyManager:  otherKeys,
		Persistence: fixture.persistence,
		Publisher:   fixture.bus,
		Config:      otherCfg,
		Engine:      fixture.engine,
	})
	assert.Nil(err)

	restored, err := otherKeys.RestoreUserKeys(utCtx, backupPath, "backup-pw")
	assert.Nil(err)
	assert.Equal(models.CipherAlgorithmChaCha20Poly1305, restored.Entry.Algorithm)

	// Data sealed before the backup opens with the restored key
	{
		req := RequestFromEnvelope(envelope)
		req.KeyID = ""
		plainText, err := otherSvc.Decrypt(utCtx, req, testUser)
		assert.Nil(err)
		assert.Equal([]byte("chacha sealed"), plainText)
	}

	// New data under the restored key keeps its cipher
	{
		sealed, err := otherSvc.Encrypt(utCtx, []byte("after restore"), testUser, nil)
		assert.Nil(err)
		assert.Equal(restored.Entry.ID, sealed.KeyID)
		assert.Equal(models.CipherAlgorithmChaCha20Poly1305, sealed.Algorithm)
	}
}
