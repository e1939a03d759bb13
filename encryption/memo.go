package encryption

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/alwitt/enclave/models"
	"github.com/apex/log"
)

// operationCacheKey memoization key of an operation on some content
func operationCacheKey(
	operation models.TransactionOperationENUMType, userID int64, label string, content []byte,
) string {
	contentHash := sha256.Sum256(content)
	keyHash := sha256.Sum256(
		[]byte(fmt.Sprintf("%s|%d|%s|%x", operation, userID, label, contentHash)),
	)
	return hex.EncodeToString(keyHash[:])
}

func (s *serviceImpl) EncryptWithCache(
	ctx context.Context, data []byte, userID int64, label string,
) (Envelope, error) {
	logTags := models.LogFieldsFromContext(ctx, s.LogTags)
	cacheKey := operationCacheKey(models.TransactionOperationEncrypt, userID, label, data)

	if cached, ok := s.opCache.Get(ctx, cacheKey); ok && cached.Envelope != nil {
		// Only reuse envelopes made with the current active key
		current, err := s.keys.GetUserKey(ctx, userID)
		if err != nil {
			return Envelope{}, err
		}
		if current.Entry.ID == cached.KeyID {
			log.WithFields(logTags).WithField("user_id", userID).Debug("Encryption cache hit")
			return *cached.Envelope, nil
		}
		s.opCache.Forget(ctx, cacheKey)
	}

	envelope, err := s.Encrypt(ctx, data, userID, map[string]interface{}{"cache_label": label})
	if err != nil {
		return Envelope{}, err
	}
	s.opCache.Put(ctx, cacheKey, CachedOperation{Envelope: &envelope, KeyID: envelope.KeyID})
	return envelope, nil
}

func (s *serviceImpl) DecryptWithCache(
	ctx context.Context, req DecryptRequest, userID int64, label string,
) ([]byte, error) {
	logTags := models.LogFieldsFromContext(ctx, s.LogTags)
	cacheKey := operationCacheKey(
		models.TransactionOperationDecrypt,
		userID,
		label,
		[]byte(fmt.Sprintf("%s|%s|%s|%s", req.CipherText, req.IV, req.Tag, req.KeyID)),
	)

	if cached, ok := s.opCache.Get(ctx, cacheKey); ok && cached.PlainText != nil {
		// The key must still be usable, e.g. not revoked
		if _, err := s.keys.GetUserKeyByID(ctx, userID, cached.KeyID); err == nil {
			log.WithFields(logTags).WithField("user_id", userID).Debug("Decryption cache hit")
			result := make([]byte, len(cached.PlainText))
			copy(result, cached.PlainText)
			return result, nil
		}
		s.opCache.Forget(ctx, cacheKey)
	}

	transactionID := req.TransactionID
	if transactionID == "" {
		transactionID = NewTransactionID()
	}
	plainText, keyID, err := s.decrypt(ctx, req, userID, transactionID, nil)
	if err != nil {
		return nil, err
	}
	stored := make([]byte, len(plainText))
	copy(stored, plainText)
	s.opCache.Put(ctx, cacheKey, CachedOperation{PlainText: stored, KeyID: keyID})
	return plainText, nil
}
