package encryption

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/enclave/db"
	"github.com/alwitt/enclave/events"
	"github.com/alwitt/enclave/models"
	"github.com/apex/log"
	"github.com/oklog/ulid/v2"
)

// NewTransactionID generate an opaque transaction ID
func NewTransactionID() string {
	return fmt.Sprintf("txn_%s", ulid.Make().String())
}

// recordOperation bind a finished crypto operation to its transaction and audit it
//
// The transaction is created, already completed, if it does not exist. Otherwise the
// caller metadata is merged into it.
func (s *serviceImpl) recordOperation(
	ctx context.Context,
	operation models.TransactionOperationENUMType,
	userID int64,
	transactionID string,
	metadata map[string]interface{},
	audit models.AuditEventCryptoOperation,
) error {
	eventType := models.AuditEventTypeDataEncrypted
	if operation == models.TransactionOperationDecrypt {
		eventType = models.AuditEventTypeDataDecrypted
	}

	return s.persistence.UseDatabaseInTransaction(
		ctx, func(ctx context.Context, dbClient db.Database) error {
			existing, err := dbClient.GetTransaction(ctx, transactionID)
			switch {
			case err == nil:
				if existing.UserID != userID {
					return models.NewCoreError(
						models.ErrorCodeInvalidTransaction,
						nil,
						"transaction %s does not belong to user %d",
						transactionID,
						userID,
					)
				}
				if len(metadata) > 0 {
					if _, err := dbClient.MergeTransactionMetadata(ctx, transactionID, metadata); err != nil {
						return err
					}
				}
			case errors.Is(err, models.ErrInvalidTransaction):
				if _, err := dbClient.RecordTransaction(ctx, db.NewTransactionParams{
					TransactionID: transactionID,
					UserID:        userID,
					Operation:     operation,
					Status:        models.TransactionStatusCompleted,
					Metadata:      metadata,
				}); err != nil {
					return err
				}
			default:
				return err
			}

			_, err = dbClient.RecordAuditEvent(ctx, eventType, userID, audit)
			return err
		},
	)
}

// publish emit a domain event for a finished crypto operation
func (s *serviceImpl) publish(
	ctx context.Context,
	eventType events.EventTypeENUMType,
	userID int64,
	transactionID string,
	key UserKey,
	dataLen int,
) {
	s.publisher.Publish(ctx, events.Event{
		Type:          eventType,
		UserID:        userID,
		TransactionID: transactionID,
		KeyID:         key.Entry.ID,
		Algorithm:     key.Entry.Algorithm,
		DataLen:       dataLen,
		Timestamp:     time.Now().UTC(),
		Caller:        models.GetRequestContext(ctx),
	})
}

// encrypt encrypt with the user's active key, binding to the given transaction
func (s *serviceImpl) encrypt(
	ctx context.Context,
	data []byte,
	userID int64,
	transactionID string,
	metadata map[string]interface{},
) (Envelope, error) {
	logTags := models.LogFieldsFromContext(ctx, s.LogTags)

	key, err := s.keys.GetUserKey(ctx, userID)
	if err != nil {
		log.WithError(err).WithFields(logTags).WithField("user_id", userID).Error("Unable to resolve user key")
		return Envelope{}, err
	}

	c, err := s.cipherFor(key.Entry.Algorithm)
	if err != nil {
		return Envelope{}, models.NewCoreError(models.ErrorCodeEncryptionFailed, err, "no usable cipher")
	}
	workKey, err := cipherKeyFor(key.Material, c)
	if err != nil {
		return Envelope{}, models.NewCoreError(
			models.ErrorCodeEncryptionFailed, err, "failed to prepare cipher key",
		)
	}
	iv, err := readRandom(s.rng, c.NonceLen())
	if err != nil {
		return Envelope{}, models.NewCoreError(models.ErrorCodeEncryptionFailed, err, "failed to generate IV")
	}

	cipherText, tag, err := c.Seal(ctx, workKey, iv, data)
	if err != nil {
		err = models.NewCoreError(models.ErrorCodeEncryptionFailed, err, "cipher failure")
		log.WithError(err).
			WithFields(logTags).
			WithField("user_id", userID).
			WithField("key_id", key.Entry.ID).
			Error("Encryption failed")
		return Envelope{}, err
	}

	if err := s.recordOperation(
		ctx,
		models.TransactionOperationEncrypt,
		userID,
		transactionID,
		metadata,
		models.AuditEventCryptoOperation{
			TransactionID: transactionID,
			KeyID:         key.Entry.ID,
			Algorithm:     c.Algorithm(),
			PlainTextLen:  len(data),
			CipherTextLen: len(cipherText),
		},
	); err != nil {
		log.WithError(err).
			WithFields(logTags).
			WithField("user_id", userID).
			WithField("transaction_id", transactionID).
			Error("Failed to record encryption")
		return Envelope{}, err
	}

	s.publish(ctx, events.EventTypeDataEncrypted, userID, transactionID, key, len(data))

	log.WithFields(logTags).
		WithField("user_id", userID).
		WithField("transaction_id", transactionID).
		WithField("key_id", key.Entry.ID).
		WithField("algorithm", c.Algorithm()).
		Debug("Encrypted data")

	return Envelope{
		TransactionID: transactionID,
		CipherText:    base64.StdEncoding.EncodeToString(cipherText),
		IV:            base64.StdEncoding.EncodeToString(iv),
		Algorithm:     c.Algorithm(),
		KeyID:         key.Entry.ID,
		Tag:           base64.StdEncoding.EncodeToString(tag),
		Timestamp:     time.Now().UTC(),
	}, nil
}

// decodeRequest base64 decode the binary fields of a decrypt request
func decodeRequest(req DecryptRequest) ([]byte, []byte, []byte, error) {
	if req.Tag == "" {
		return nil, nil, nil, models.NewCoreError(
			models.ErrorCodeDecryptionFailed, nil, "authentication tag is required",
		)
	}
	cipherText, ctErr := base64.StdEncoding.DecodeString(req.CipherText)
	iv, ivErr := base64.StdEncoding.DecodeString(req.IV)
	tag, tagErr := base64.StdEncoding.DecodeString(req.Tag)
	if err := errors.Join(ctErr, ivErr, tagErr); err != nil {
		return nil, nil, nil, models.NewCoreError(
			models.ErrorCodeDecryptionFailed, err, "cipher text parameters are not decodable",
		)
	}
	return cipherText, iv, tag, nil
}

// decrypt decrypt for a user, binding to the given transaction
func (s *serviceImpl) decrypt(
	ctx context.Context,
	req DecryptRequest,
	userID int64,
	transactionID string,
	metadata map[string]interface{},
) ([]byte, string, error) {
	logTags := models.LogFieldsFromContext(ctx, s.LogTags)

	cipherText, iv, tag, err := decodeRequest(req)
	if err != nil {
		log.WithError(err).WithFields(logTags).WithField("user_id", userID).Error("Decryption failed")
		return nil, "", err
	}

	var key UserKey
	if req.KeyID != "" {
		key, err = s.keys.GetUserKeyByID(ctx, userID, req.KeyID)
	} else {
		key, err = s.keys.GetUserKey(ctx, userID)
	}
	if err != nil {
		log.WithError(err).WithFields(logTags).WithField("user_id", userID).Error("Unable to resolve user key")
		return nil, "", err
	}

	c, err := s.cipherFor(key.Entry.Algorithm)
	if err != nil {
		return nil, "", models.NewCoreError(models.ErrorCodeDecryptionFailed, err, "no usable cipher")
	}
	workKey, err := cipherKeyFor(key.Material, c)
	if err != nil {
		return nil, "", models.NewCoreError(
			models.ErrorCodeDecryptionFailed, err, "failed to prepare cipher key",
		)
	}

	plainText, err := c.Open(ctx, workKey, iv, cipherText, tag)
	if err != nil {
		err = models.NewCoreError(models.ErrorCodeDecryptionFailed, err, "cipher failure")
		log.WithError(err).
			WithFields(logTags).
			WithField("user_id", userID).
			WithField("key_id", key.Entry.ID).
			Error("Decryption failed")
		return nil, "", err
	}

	if err := s.recordOperation(
		ctx,
		models.TransactionOperationDecrypt,
		userID,
		transactionID,
		metadata,
		models.AuditEventCryptoOperation{
			TransactionID: transactionID,
			KeyID:         key.Entry.ID,
			Algorithm:     c.Algorithm(),
			PlainTextLen:  len(plainText),
			CipherTextLen: len(cipherText),
		},
	); err != nil {
		log.WithError(err).
			WithFields(logTags).
			WithField("user_id", userID).
			WithField("transaction_id", transactionID).
			Error("Failed to record decryption")
		return nil, "", err
	}

	s.publish(ctx, events.EventTypeDataDecrypted, userID, transactionID, key, len(plainText))

	log.WithFields(logTags).
		WithField("user_id", userID).
		WithField("transaction_id", transactionID).
		WithField("key_id", key.Entry.ID).
		Debug("Decrypted data")

	return plainText, key.Entry.ID, nil
}

func (s *serviceImpl) Encrypt(
	ctx context.Context, data []byte, userID int64, metadata map[string]interface{},
) (Envelope, error) {
	return s.encrypt(ctx, data, userID, NewTransactionID(), metadata)
}

func (s *serviceImpl) Decrypt(
	ctx context.Context, req DecryptRequest, userID int64,
) ([]byte, error) {
	transactionID := req.TransactionID
	if transactionID == "" {
		transactionID = NewTransactionID()
	}
	plainText, _, err := s.decrypt(ctx, req, userID, transactionID, nil)
	return plainText, err
}

func (s *serviceImpl) EncryptForTransaction(
	ctx context.Context,
	data []byte,
	userID int64,
	transactionID string,
	metadata map[string]interface{},
) (Envelope, error) {
	if transactionID == "" {
		return Envelope{}, models.NewCoreError(
			models.ErrorCodeInvalidTransaction, nil, "transaction ID is required",
		)
	}
	return s.encrypt(ctx, data, userID, transactionID, metadata)
}

func (s *serviceImpl) DecryptForTransaction(
	ctx context.Context,
	req DecryptRequest,
	userID int64,
	transactionID string,
	metadata map[string]interface{},
) ([]byte, error) {
	if transactionID == "" {
		return nil, models.NewCoreError(
			models.ErrorCodeInvalidTransaction, nil, "transaction ID is required",
		)
	}
	plainText, _, err := s.decrypt(ctx, req, userID, transactionID, metadata)
	return plainText, err
}

// ----------------------------------------------------------------------------------------
// Key utilities

func (s *serviceImpl) GenerateKey(length int) (string, error) {
	if err := checkKeyLength(length); err != nil {
		return "", err
	}
	key, err := readRandom(s.rng, length)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

func (s *serviceImpl) DeriveKey(password string, salt []byte, iterations int) (DerivedKey, error) {
	if len(salt) == 0 {
		var err error
		if salt, err = readRandom(s.rng, SaltLength); err != nil {
			return DerivedKey{}, err
		}
	}
	if iterations <= 0 {
		iterations = s.pbkdf2Iterations
	}
	key, err := pbkdf2Key([]byte(password), salt, iterations)
	if err != nil {
		return DerivedKey{}, err
	}
	return DerivedKey{
		Key:        base64.StdEncoding.EncodeToString(key),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Iterations: iterations,
	}, nil
}

func (s *serviceImpl) ValidateKey(key string) bool {
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return false
	}
	return checkKeyLength(len(raw)) == nil
}

// TestEncryptionCycle run generate key, encrypt, decrypt with the configured cipher
func (s *serviceImpl) TestEncryptionCycle(ctx context.Context, sample []byte) (bool, error) {
	logTags := models.LogFieldsFromContext(ctx, s.LogTags)

	if len(sample) == 0 {
		sample = []byte("enclave encryption self check")
	}

	encoded, err := s.GenerateKey(MasterKeyLength)
	if err != nil {
		return false, err
	}
	userKey, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return false, fmt.Errorf("generated key not decodable [%w]", err)
	}
	masterKey, err := readRandom(s.rng, MasterKeyLength)
	if err != nil {
		return false, err
	}

	c, err := s.cipherFor(s.algorithm)
	if err != nil {
		return false, err
	}
	workKey, err := cipherKeyFor(
		models.KeyPair{KeyID: "self-check", MasterKey: masterKey, UserKey: userKey}, c,
	)
	if err != nil {
		return false, err
	}
	iv, err := readRandom(s.rng, c.NonceLen())
	if err != nil {
		return false, err
	}

	cipherText, tag, err := c.Seal(ctx, workKey, iv, sample)
	if err != nil {
		return false, models.NewCoreError(models.ErrorCodeEncryptionFailed, err, "self check")
	}
	plainText, err := c.Open(ctx, workKey, iv, cipherText, tag)
	if err != nil {
		return false, models.NewCoreError(models.ErrorCodeDecryptionFailed, err, "self check")
	}

	passed := string(plainText) == string(sample)
	log.WithFields(logTags).
		WithField("algorithm", c.Algorithm()).
		WithField("passed", passed).
		Info("Encryption self check")
	return passed, nil
}
