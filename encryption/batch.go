package encryption

import (
	"context"

	"github.com/alwitt/enclave/models"
	"github.com/apex/log"
)

// chunkBounds split n items into chunks of at most size
func chunkBounds(n, size int) [][2]int {
	if size <= 0 {
		size = n
	}
	bounds := [][2]int{}
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		bounds = append(bounds, [2]int{start, end})
	}
	return bounds
}

func (s *serviceImpl) BatchEncrypt(
	ctx context.Context, items [][]byte, userID int64, metadata map[string]interface{},
) []*Envelope {
	logTags := models.LogFieldsFromContext(ctx, s.LogTags)

	results := make([]*Envelope, len(items))
	failed := 0
	for chunkIdx, chunk := range chunkBounds(len(items), s.batchChunkSize) {
		for idx := chunk[0]; idx < chunk[1]; idx++ {
			envelope, err := s.Encrypt(ctx, items[idx], userID, metadata)
			if err != nil {
				log.WithError(err).
					WithFields(logTags).
					WithField("user_id", userID).
					WithField("index", idx).
					Warn("Batch item encryption failed")
				failed++
				continue
			}
			results[idx] = &envelope
		}
		log.WithFields(logTags).
			WithField("user_id", userID).
			WithField("chunk", chunkIdx).
			Debug("Batch encryption chunk done")
	}

	log.WithFields(logTags).
		WithField("user_id", userID).
		WithField("items", len(items)).
		WithField("failed", failed).
		Info("Batch encryption done")
	return results
}

func (s *serviceImpl) BatchDecrypt(
	ctx context.Context, items []DecryptRequest, userID int64,
) [][]byte {
	logTags := models.LogFieldsFromContext(ctx, s.LogTags)

	results := make([][]byte, len(items))
	failed := 0
	for chunkIdx, chunk := range chunkBounds(len(items), s.batchChunkSize) {
		for idx := chunk[0]; idx < chunk[1]; idx++ {
			plainText, err := s.Decrypt(ctx, items[idx], userID)
			if err != nil {
				log.WithError(err).
					WithFields(logTags).
					WithField("user_id", userID).
					WithField("index", idx).
					Warn("Batch item decryption failed")
				failed++
				continue
			}
			if plainText == nil {
				plainText = []byte{}
			}
			results[idx] = plainText
		}
		log.WithFields(logTags).
			WithField("user_id", userID).
			WithField("chunk", chunkIdx).
			Debug("Batch decryption chunk done")
	}

	log.WithFields(logTags).
		WithField("user_id", userID).
		WithField("items", len(items)).
		WithField("failed", failed).
		Info("Batch decryption done")
	return results
}
