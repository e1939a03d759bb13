package encryption

import (
	"context"
	"fmt"
	"io"
	"time"

	cgoCrypto "github.com/alwitt/cgoutils/crypto"
	"github.com/alwitt/enclave/cache"
	"github.com/alwitt/enclave/config"
	"github.com/alwitt/enclave/db"
	"github.com/alwitt/enclave/events"
	"github.com/alwitt/enclave/models"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// Envelope output of an encrypt call. Binary fields are base64 encoded.
type Envelope struct {
	TransactionID string                         `json:"transaction_id"`
	CipherText    string                         `json:"ciphertext"`
	IV            string                         `json:"iv"`
	Algorithm     models.CipherAlgorithmENUMType `json:"algorithm"`
	KeyID         string                         `json:"key_id"`
	Tag           string                         `json:"tag"`
	Timestamp     time.Time                      `json:"timestamp"`
}

// DecryptRequest input of a decrypt call. Binary fields are base64 encoded.
type DecryptRequest struct {
	CipherText string `json:"ciphertext"`
	IV         string `json:"iv"`
	Tag        string `json:"tag"`
	// TransactionID optional, one is generated if not provided
	TransactionID string `json:"transaction_id,omitempty"`
	// KeyID optional, selects a historical key of the user instead of the active one
	KeyID string `json:"key_id,omitempty"`
}

// RequestFromEnvelope build the decrypt request matching an envelope
func RequestFromEnvelope(env Envelope) DecryptRequest {
	return DecryptRequest{
		CipherText:    env.CipherText,
		IV:            env.IV,
		Tag:           env.Tag,
		TransactionID: env.TransactionID,
		KeyID:         env.KeyID,
	}
}

// DerivedKey a password derived key with its derivation parameters. Binary fields are
// base64 encoded.
type DerivedKey struct {
	Key        string `json:"key"`
	Salt       string `json:"salt"`
	Iterations int    `json:"iterations"`
}

// CachedOperation a memoized encrypt or decrypt result
type CachedOperation struct {
	// Envelope result of a memoized encrypt
	Envelope *Envelope
	// PlainText result of a memoized decrypt
	PlainText []byte
	// KeyID the key the result was produced with
	KeyID string
}

// Service authenticated encryption bound to per-user keys
type Service interface {
	/*
		Encrypt encrypt data with the user's active key

			@param ctx context.Context - execution context
			@param data []byte - plain text
			@param userID int64 - the user
			@param metadata map[string]interface{} - transaction metadata
			@returns the cipher text envelope
	*/
	Encrypt(
		ctx context.Context, data []byte, userID int64, metadata map[string]interface{},
	) (Envelope, error)

	/*
		Decrypt decrypt data encrypted for the user

			@param ctx context.Context - execution context
			@param req DecryptRequest - the cipher text and its parameters
			@param userID int64 - the user
			@returns plain text
	*/
	Decrypt(ctx context.Context, req DecryptRequest, userID int64) ([]byte, error)

	/*
		EncryptForTransaction encrypt data, binding to a caller supplied transaction

		Caller metadata is merged into the existing transaction. The transaction is
		created if it does not exist.

			@param ctx context.Context - execution context
			@param data []byte - plain text
			@param userID int64 - the user
			@param transactionID string - the transaction
			@param metadata map[string]interface{} - transaction metadata
			@returns the cipher text envelope
	*/
	EncryptForTransaction(
		ctx context.Context,
		data []byte,
		userID int64,
		transactionID string,
		metadata map[string]interface{},
	) (Envelope, error)

	/*
		DecryptForTransaction decrypt data, binding to a caller supplied transaction

			@param ctx context.Context - execution context
			@param req DecryptRequest - the cipher text and its parameters
			@param userID int64 - the user
			@param transactionID string - the transaction
			@param metadata map[string]interface{} - transaction metadata
			@returns plain text
	*/
	DecryptForTransaction(
		ctx context.Context,
		req DecryptRequest,
		userID int64,
		transactionID string,
		metadata map[string]interface{},
	) ([]byte, error)

	/*
		GenerateKey generate random key bytes

			@param length int - key length in bytes, in [16, 64]
			@returns base64 encoded key
	*/
	GenerateKey(length int) (string, error)

	/*
		DeriveKey derive a 32 byte key from a password with PBKDF2-SHA256

			@param password string - the password
			@param salt []byte - optional salt, generated if empty
			@param iterations int - optional iteration count, configured default if zero
			@returns the key with its derivation parameters
	*/
	DeriveKey(password string, salt []byte, iterations int) (DerivedKey, error)

	/*
		ValidateKey structural check of a base64 encoded key

			@param key string - the key
			@returns whether the key decodes to an allowed length
	*/
	ValidateKey(key string) bool

	/*
		BatchEncrypt encrypt many items. A failed item leaves a nil slot.

			@param ctx context.Context - execution context
			@param items [][]byte - plain texts
			@param userID int64 - the user
			@param metadata map[string]interface{} - transaction metadata for every item
			@returns envelopes, in input order
	*/
	BatchEncrypt(
		ctx context.Context, items [][]byte, userID int64, metadata map[string]interface{},
	) []*Envelope

	/*
		BatchDecrypt decrypt many items. A failed item leaves a nil slot.

			@param ctx context.Context - execution context
			@param items []DecryptRequest - cipher texts
			@param userID int64 - the user
			@returns plain texts, in input order
	*/
	BatchDecrypt(ctx context.Context, items []DecryptRequest, userID int64) [][]byte

	/*
		EncryptWithCache memoized Encrypt keyed by label and content

		A hit returns the previous envelope, including its IV, as long as it was produced
		with the user's current active key.

			@param ctx context.Context - execution context
			@param data []byte - plain text
			@param userID int64 - the user
			@param label string - caller label
			@returns the cipher text envelope
	*/
	EncryptWithCache(ctx context.Context, data []byte, userID int64, label string) (Envelope, error)

	/*
		DecryptWithCache memoized Decrypt keyed by label and content

			@param ctx context.Context - execution context
			@param req DecryptRequest - the cipher text and its parameters
			@param userID int64 - the user
			@param label string - caller label
			@returns plain text
	*/
	DecryptWithCache(
		ctx context.Context, req DecryptRequest, userID int64, label string,
	) ([]byte, error)

	/*
		TestEncryptionCycle self check with a throwaway key

			@param ctx context.Context - execution context
			@param sample []byte - optional sample plain text
			@returns whether the cycle round tripped
	*/
	TestEncryptionCycle(ctx context.Context, sample []byte) (bool, error)
}

// serviceImpl implements Service
type serviceImpl struct {
	goutils.Component

	keys        KeyManager
	persistence db.Client
	publisher   events.Publisher
	opCache     cache.Cache[CachedOperation]

	ciphers          map[models.CipherAlgorithmENUMType]Cipher
	algorithm        models.CipherAlgorithmENUMType
	pbkdf2Iterations int
	batchChunkSize   int

	rng io.Reader
}

// ServiceParams encryption service init parameters
type ServiceParams struct {
	// KeyManager user key source
	KeyManager KeyManager
	// Persistence persistence layer client
	Persistence db.Client
	// Publisher domain event sink. Events are dropped if not provided.
	Publisher events.Publisher
	// Config system configuration
	Config config.Config
	// Engine libsodium engine. Defined if not provided.
	Engine cgoCrypto.Engine
	// OperationCache memoization cache. Defined from Config if not provided.
	OperationCache cache.Cache[CachedOperation]
}

/*
NewService define new encryption service

	@param ctx context.Context - execution context
	@param params ServiceParams - service parameters
	@returns service instance
*/
func NewService(_ context.Context, params ServiceParams) (Service, error) {
	if params.KeyManager == nil {
		return nil, fmt.Errorf("encryption service requires a key manager")
	}
	if params.Persistence == nil {
		return nil, fmt.Errorf("encryption service requires a persistence client")
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

	ciphers := map[models.CipherAlgorithmENUMType]Cipher{}
	for _, algorithm := range []models.CipherAlgorithmENUMType{
		models.CipherAlgorithmAES256GCM,
		models.CipherAlgorithmAES128GCM,
		models.CipherAlgorithmChaCha20Poly1305,
		models.CipherAlgorithmXChaCha20Poly1305,
	} {
		c, err := NewCipher(engine, algorithm)
		if err != nil {
			return nil, err
		}
		ciphers[algorithm] = c
	}

	opCache := params.OperationCache
	if opCache == nil {
		var err error
		opCache, err = cache.NewLRUCache[CachedOperation](
			"crypto-operations", params.Config.Cache.Size, params.Config.Cache.OperationTTL,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to define operation cache [%w]", err)
		}
	}

	publisher := params.Publisher
	if publisher == nil {
		publisher = events.NewLocalBus()
	}

	logTags := log.Fields{"module": "encryption", "component": "encryption-service"}

	return &serviceImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		keys:             params.KeyManager,
		persistence:      params.Persistence,
		publisher:        publisher,
		opCache:          opCache,
		ciphers:          ciphers,
		algorithm:        params.Config.Crypto.Algorithm,
		pbkdf2Iterations: params.Config.Crypto.PBKDF2Iterations,
		batchChunkSize:   params.Config.Transaction.BatchChunkSize,
		rng:              engine.GetRNGReader(),
	}, nil
}

// cipherFor fetch the cipher of an algorithm
func (s *serviceImpl) cipherFor(algorithm models.CipherAlgorithmENUMType) (Cipher, error) {
	c, ok := s.ciphers[algorithm]
	if !ok {
		return nil, fmt.Errorf("unsupported cipher algorithm '%s'", algorithm)
	}
	return c, nil
}
