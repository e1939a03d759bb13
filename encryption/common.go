// Package encryption - user key lifecycle and authenticated data encryption
package encryption

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	cgoCrypto "github.com/alwitt/cgoutils/crypto"
	"github.com/alwitt/enclave/blob"
	"github.com/alwitt/enclave/cache"
	"github.com/alwitt/enclave/config"
	"github.com/alwitt/enclave/db"
	"github.com/alwitt/enclave/models"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// UserKey a key record together with its decrypted material
type UserKey struct {
	// Entry the key record
	Entry models.EncryptionKey
	// Material the decrypted key material
	Material models.KeyPair
}

// GeneratedKeys result of generating new user keys
//
// Binary fields are base64 encoded. When the keys are password protected, UserKey holds
// the password wrapped user key (nonce | cipher text | tag) and Salt / Iterations hold the
// derivation parameters.
type GeneratedKeys struct {
	KeyID             string                         `json:"key_id"`
	UserID            int64                          `json:"user_id"`
	Algorithm         models.CipherAlgorithmENUMType `json:"algorithm"`
	KeyLength         int                            `json:"key_length"`
	ExpiresAt         time.Time                      `json:"expires_at"`
	MasterKey         string                         `json:"master_key"`
	UserKey           string                         `json:"user_key"`
	PasswordProtected bool                           `json:"password_protected"`
	Salt              string                         `json:"salt,omitempty"`
	Iterations        int                            `json:"iterations,omitempty"`
}

/*
KeyManager per-user key lifecycle management.

It is the only component interacting with the encryption key APIs of the persistence
layer. Key material is sealed at rest with the system wrapping key, and decrypted key
pairs are held in an advisory cache.
*/
type KeyManager interface {
	/*
		GenerateUserKeys create a new active key for a user, superseding any current key

			@param ctx context.Context - execution context
			@param userID int64 - the user
			@param password string - optional password protecting the user key
			@returns the new keys
	*/
	GenerateUserKeys(ctx context.Context, userID int64, password string) (GeneratedKeys, error)

	/*
		GetUserKeys fetch the decrypted key pair of the user's active key

		Password protected keys need the password unless already unlocked in cache.

			@param ctx context.Context - execution context
			@param userID int64 - the user
			@param password string - password of a protected key
			@returns the key pair
	*/
	GetUserKeys(ctx context.Context, userID int64, password string) (models.KeyPair, error)

	/*
		GetUserKey fetch the user's active key, generating one if none exists and rotating
		it if expired

			@param ctx context.Context - execution context
			@param userID int64 - the user
			@returns the key
	*/
	GetUserKey(ctx context.Context, userID int64) (UserKey, error)

	/*
		GetUserKeyByID fetch a specific, non-revoked key of the user

			@param ctx context.Context - execution context
			@param userID int64 - the user
			@param keyID string - the key
			@returns the key
	*/
	GetUserKeyByID(ctx context.Context, userID int64, keyID string) (UserKey, error)

	/*
		ListUserKeys list the key history of a user

			@param ctx context.Context - execution context
			@param userID int64 - the user
			@param states []models.EncryptionKeyStateENUMType - optional state filter
			@returns key records, newest first
	*/
	ListUserKeys(
		ctx context.Context, userID int64, states []models.EncryptionKeyStateENUMType,
	) ([]models.EncryptionKey, error)

	/*
		RotateUserKey replace an active key with a new one

			@param ctx context.Context - execution context
			@param userID int64 - the user
			@param oldKeyID string - the key being replaced
			@returns the new key, or the winner's key if another caller rotated first
	*/
	RotateUserKey(ctx context.Context, userID int64, oldKeyID string) (UserKey, error)

	/*
		ForceKeyRotation rotate the user's active key now, or generate one if none exists

			@param ctx context.Context - execution context
			@param userID int64 - the user
			@param reason string - recorded rotation reason
			@returns the new key
	*/
	ForceKeyRotation(ctx context.Context, userID int64, reason string) (UserKey, error)

	/*
		RevokeUserKey revoke all active and rotated keys of a user

			@param ctx context.Context - execution context
			@param userID int64 - the user
			@param reason string - recorded revocation reason
			@returns number of keys revoked
	*/
	RevokeUserKey(ctx context.Context, userID int64, reason string) (int, error)

	/*
		BackupUserKeys write a password encrypted backup of the user's active key

			@param ctx context.Context - execution context
			@param userID int64 - the user
			@param backupPassword string - the backup password
			@returns the backup object path
	*/
	BackupUserKeys(ctx context.Context, userID int64, backupPassword string) (string, error)

	/*
		RestoreUserKeys restore a user's key from a backup

			@param ctx context.Context - execution context
			@param backupPath string - the backup object path
			@param backupPassword string - the backup password
			@returns the restored key
	*/
	RestoreUserKeys(ctx context.Context, backupPath, backupPassword string) (UserKey, error)

	/*
		CleanupExpiredKeys mark active keys past expiry as expired

			@param ctx context.Context - execution context
			@returns number of keys expired
	*/
	CleanupExpiredKeys(ctx context.Context) (int, error)
}

// keyManagerImpl implements KeyManager
type keyManagerImpl struct {
	goutils.Component

	persistence db.Client
	blobs       blob.Store
	keyCache    cache.Cache[UserKey]

	algorithm        models.CipherAlgorithmENUMType
	keyLength        int
	pbkdf2Iterations int
	rotationPeriod   time.Duration
	backupPrefix     string

	rng    io.Reader
	system *sealer
}

// KeyManagerParams key manager init parameters
type KeyManagerParams struct {
	// Persistence persistence layer client
	Persistence db.Client
	// BlobStore durable storage for key backups
	BlobStore blob.Store
	// Config system configuration
	Config config.Config
	// Engine libsodium engine. Defined if not provided.
	Engine cgoCrypto.Engine
	// KeyCache user key cache. Defined from Config if not provided.
	KeyCache cache.Cache[UserKey]
}

// newCryptoEngine define the libsodium engine
func newCryptoEngine() (cgoCrypto.Engine, error) {
	engine, err := cgoCrypto.NewEngine(log.Fields{
		"package": "cgoutils", "module": "crypto", "component": "crypto-engine",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to prepare core cryptography [%w]", err)
	}
	return engine, nil
}

/*
NewKeyManager define new key manager

	@param ctx context.Context - execution context
	@param params KeyManagerParams - manager parameters
	@returns manager instance
*/
func NewKeyManager(ctx context.Context, params KeyManagerParams) (KeyManager, error) {
	if params.Persistence == nil {
		return nil, fmt.Errorf("key manager requires a persistence client")
	}
	if params.BlobStore == nil {
		return nil, fmt.Errorf("key manager requires a blob store")
	}
	if err := params.Config.Validate(); err != nil {
		return nil, err
	}

	engine := params.Engine
	if engine == nil {
		var err error
		if engine, err = newCryptoEngine(); err != nil {
			return nil, err
		}
	}

	keyCache := params.KeyCache
	if keyCache == nil {
		var err error
		keyCache, err = cache.NewLRUCache[UserKey](
			"user-keys", params.Config.Cache.Size, params.Config.Cache.KeyTTL,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to define key cache [%w]", err)
		}
	}

	rng := engine.GetRNGReader()
	system, err := newSealer(params.Config.Crypto.WrappingKey, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to define key sealer [%w]", err)
	}

	logTags := log.Fields{"module": "encryption", "component": "key-manager"}

	instance := &keyManagerImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		persistence:      params.Persistence,
		blobs:            params.BlobStore,
		keyCache:         keyCache,
		algorithm:        params.Config.Crypto.Algorithm,
		keyLength:        params.Config.Crypto.KeyLength,
		pbkdf2Iterations: params.Config.Crypto.PBKDF2Iterations,
		rotationPeriod:   params.Config.Keys.RotationPeriod,
		backupPrefix:     params.Config.Keys.BackupPrefix,
		rng:              rng,
		system:           system,
	}

	if err := instance.bindWrappingKey(ctx); err != nil {
		return nil, err
	}

	return instance, nil
}

// wrappingKeyCheckToken known plain text sealed to detect a wrapping key change
var wrappingKeyCheckToken = []byte("enclave-wrapping-key-check")

// bindWrappingKey bind the database to the wrapping key on first start, and verify the
// wrapping key matches on later starts
func (m *keyManagerImpl) bindWrappingKey(ctx context.Context) error {
	logTags := models.LogFieldsFromContext(ctx, m.LogTags)

	return m.persistence.UseDatabaseInTransaction(
		ctx, func(ctx context.Context, dbClient db.Database) error {
			params, err := dbClient.GetSystemParamEntry(ctx)
			if err != nil {
				return err
			}

			if params.State == models.SystemStateRunning {
				token, err := m.system.open(ctx, params.WrappingKeyCheck)
				if err != nil || !bytes.Equal(token, wrappingKeyCheckToken) {
					return fmt.Errorf("wrapping key does not match the one the database is bound to")
				}
				return nil
			}

			check, err := m.system.seal(ctx, wrappingKeyCheckToken)
			if err != nil {
				return fmt.Errorf("failed to seal wrapping key check [%w]", err)
			}
			if err := dbClient.MarkSystemInitialized(ctx, check); err != nil {
				return err
			}
			log.WithFields(logTags).Info("Bound database to wrapping key")
			return nil
		},
	)
}
