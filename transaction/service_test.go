package transaction_test

import (
	"context"
	"crypto/rand"
	"fmt"
	"testing"
	"time"

	"github.com/alwitt/enclave/blob"
	"github.com/alwitt/enclave/config"
	"github.com/alwitt/enclave/db"
	"github.com/alwitt/enclave/encryption"
	"github.com/alwitt/enclave/models"
	"github.com/alwitt/enclave/transaction"
	"github.com/apex/log"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testFixture struct {
	persistence db.Client
	keys        encryption.KeyManager
	crypto      encryption.Service
	uut         transaction.Service
}

func newTestFixture(t *testing.T, utCtx context.Context) testFixture {
	cfg := config.DefaultConfig()
	cfg.Crypto.WrappingKey = make([]byte, 32)
	_, err := rand.Read(cfg.Crypto.WrappingKey)
	assert.Nil(t, err)
	cfg.Crypto.PBKDF2Iterations = 1000
	cfg.Database.DSN = fmt.Sprintf("/tmp/enclave_ut_%s.db", ulid.Make().String())
	cfg.Blob.Root = t.TempDir()

	persistence, err := db.NewConnection(db.GetSqliteDialector(cfg.Database.DSN), logger.Error)
	assert.Nil(t, err)
	assert.Nil(t, persistence.Migrate(utCtx))

	blobs, err := blob.NewFilesystemStore(cfg.Blob.Root)
	assert.Nil(t, err)

	keys, err := encryption.NewKeyManager(utCtx, encryption.KeyManagerParams{
		Persistence: persistence, BlobStore: blobs, Config: cfg,
	})
	assert.Nil(t, err)

	crypto, err := encryption.NewService(utCtx, encryption.ServiceParams{
		KeyManager: keys, Persistence: persistence, Config: cfg,
	})
	assert.Nil(t, err)

	uut, err := transaction.NewService(utCtx, transaction.ServiceParams{
		Persistence: persistence, Encryption: crypto, Config: cfg,
	})
	assert.Nil(t, err)

	return testFixture{persistence: persistence, keys: keys, crypto: crypto, uut: uut}
}

// ageTransaction move the creation time of a transaction into the past
func ageTransaction(
	t *testing.T, utCtx context.Context, persistence db.Client, transactionID string, age time.Duration,
) {
	assert.Nil(t, persistence.RunSQLInTransaction(
		utCtx, func(ctx context.Context, tx *gorm.DB) error {
			return tx.Model(&db.EncryptionTransactionDBEntry{}).
				Where("transaction_id = ?", transactionID).
				UpdateColumn("created_at", time.Now().UTC().Add(-age)).Error
		},
	))
}

func TestTransactionLifecycle(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := models.WithRequestContext(
		context.Background(), models.RequestContext{Actor: "unit-tester", IPAddress: "10.1.1.1"},
	)
	fixture := newTestFixture(t, utCtx)
	defer func() {
		assert.Nil(fixture.persistence.Close())
	}()

	testUser := int64(42)

	// Simple create
	pendingID, err := fixture.uut.CreateTransaction(utCtx, testUser, map[string]interface{}{"a": 1})
	assert.Nil(err)
	{
		entry, err := fixture.uut.GetTransaction(utCtx, pendingID)
		assert.Nil(err)
		assert.Equal(models.TransactionStatusPending, entry.Status)
		assert.Equal(models.TransactionOperationEncrypt, entry.Operation)
		assert.Equal("10.1.1.1", entry.IPAddress)
	}

	// State guards on a PENDING transaction
	{
		_, err := fixture.uut.CompleteTransaction(utCtx, pendingID, nil)
		assert.ErrorIs(err, models.ErrInvalidTransaction)
		_, err = fixture.uut.SetTransactionE2EE(utCtx, pendingID, false)
		assert.ErrorIs(err, models.ErrInvalidTransaction)
	}

	// Encrypt directly from PENDING
	{
		envelope, err := fixture.uut.EncryptInTransaction(utCtx, pendingID, []byte("pending"), testUser)
		assert.Nil(err)
		assert.Equal(pendingID, envelope.TransactionID)
		entry, err := fixture.uut.GetTransaction(utCtx, pendingID)
		assert.Nil(err)
		assert.Equal(models.TransactionStatusCompleted, entry.Status)
		assert.NotNil(entry.CompletedAt)

		// Terminal now
		_, err = fixture.uut.EncryptInTransaction(utCtx, pendingID, []byte("again"), testUser)
		assert.ErrorIs(err, models.ErrInvalidTransaction)
	}

	// Full lifecycle
	started, err := fixture.uut.StartTransaction(utCtx, testUser, map[string]interface{}{"b": "c"})
	assert.Nil(err)
	assert.Equal(models.TransactionStatusActive, started.Status)
	assert.True(started.E2EEEnabled())
	assert.NotEmpty(started.Metadata[models.TransactionMetaStartedAt])
	assert.True(fixture.uut.ValidateTransaction(utCtx, started.TransactionID, testUser))
	assert.False(fixture.uut.ValidateTransaction(utCtx, started.TransactionID, testUser+1))
	assert.False(fixture.uut.ValidateTransaction(utCtx, "txn_unknown", testUser))

	// Disable then re-enable E2EE
	{
		updated, err := fixture.uut.SetTransactionE2EE(utCtx, started.TransactionID, false)
		assert.Nil(err)
		assert.False(updated.E2EEEnabled())

		_, err = fixture.uut.EncryptInTransaction(utCtx, started.TransactionID, []byte("x"), testUser)
		assert.ErrorIs(err, models.ErrInvalidTransaction)

		updated, err = fixture.uut.SetTransactionE2EE(utCtx, started.TransactionID, true)
		assert.Nil(err)
		assert.True(updated.E2EEEnabled())

		cached, err := fixture.uut.GetTransaction(utCtx, started.TransactionID)
		assert.Nil(err)
		assert.True(cached.E2EEEnabled())
	}

	// Other users can not use it
	{
		_, err := fixture.uut.EncryptInTransaction(utCtx, started.TransactionID, []byte("x"), testUser+1)
		assert.ErrorIs(err, models.ErrInvalidTransaction)
	}

	// Complete
	{
		completed, err := fixture.uut.CompleteTransaction(
			utCtx, started.TransactionID, map[string]interface{}{"result": "ok"},
		)
		assert.Nil(err)
		assert.Equal(models.TransactionStatusCompleted, completed.Status)
		assert.Equal("ok", completed.Metadata["result"])
		assert.NotEmpty(completed.Metadata[models.TransactionMetaCompletedAt])

		entry, err := fixture.uut.GetTransaction(utCtx, started.TransactionID)
		assert.Nil(err)
		assert.Equal(models.TransactionStatusCompleted, entry.Status)

		_, err = fixture.uut.CompleteTransaction(utCtx, started.TransactionID, nil)
		assert.ErrorIs(err, models.ErrInvalidTransaction)
		_, err = fixture.uut.SetTransactionE2EE(utCtx, started.TransactionID, true)
		assert.ErrorIs(err, models.ErrInvalidTransaction)
	}

	// Unknown transaction
	{
		_, err := fixture.uut.CompleteTransaction(utCtx, "txn_unknown", nil)
		assert.ErrorIs(err, models.ErrInvalidTransaction)
	}
}

func TestTransactionEncryptDecrypt(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	fixture := newTestFixture(t, utCtx)
	defer func() {
		assert.Nil(fixture.persistence.Close())
	}()

	testUser := int64(42)

	encTxn, err := fixture.uut.StartTransaction(utCtx, testUser, nil)
	assert.Nil(err)
	envelope, err := fixture.uut.EncryptInTransaction(
		utCtx, encTxn.TransactionID, []byte("secret message"), testUser,
	)
	assert.Nil(err)
	assert.Equal(encTxn.TransactionID, envelope.TransactionID)
	{
		entry, err := fixture.uut.GetTransaction(utCtx, encTxn.TransactionID)
		assert.Nil(err)
		assert.Equal(models.TransactionStatusCompleted, entry.Status)
		assert.Equal(string(models.TransactionOperationEncrypt), entry.Metadata[models.TransactionMetaOperation])
	}

	decTxn, err := fixture.uut.StartTransaction(
		utCtx, testUser, map[string]interface{}{models.TransactionMetaOperation: "decrypt"},
	)
	assert.Nil(err)
	assert.Equal(models.TransactionOperationDecrypt, decTxn.Operation)

	req := encryption.RequestFromEnvelope(envelope)
	req.TransactionID = decTxn.TransactionID
	plainText, err := fixture.uut.DecryptInTransaction(utCtx, decTxn.TransactionID, req, testUser)
	assert.Nil(err)
	assert.Equal([]byte("secret message"), plainText)

	// Failure marks the transaction failed and surfaces the error
	failTxn, err := fixture.uut.StartTransaction(utCtx, testUser, nil)
	assert.Nil(err)
	bad := encryption.RequestFromEnvelope(envelope)
	bad.Tag = ""
	_, err = fixture.uut.DecryptInTransaction(utCtx, failTxn.TransactionID, bad, testUser)
	assert.ErrorIs(err, models.ErrDecryptionFailed)
	{
		entry, err := fixture.uut.GetTransaction(utCtx, failTxn.TransactionID)
		assert.Nil(err)
		assert.Equal(models.TransactionStatusFailed, entry.Status)
		assert.NotEmpty(entry.Metadata[models.TransactionMetaError])
		assert.NotEmpty(entry.Metadata[models.TransactionMetaFailedAt])
	}

	// Statistics
	{
		stats, err := fixture.uut.GetTransactionStatistics(utCtx)
		assert.Nil(err)
		assert.Equal(int64(3), stats.Total)
		assert.Equal(int64(2), stats.ByStatus[models.TransactionStatusCompleted])
		assert.Equal(int64(1), stats.ByStatus[models.TransactionStatusFailed])
		assert.Equal(int64(1), stats.ByOperation[models.TransactionOperationDecrypt])
		assert.InDelta(2.0/3.0, stats.SuccessRate, 0.0001)
	}
}

func TestTransactionValidityAndCleanup(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	fixture := newTestFixture(t, utCtx)
	defer func() {
		assert.Nil(fixture.persistence.Close())
	}()

	testUser := int64(42)

	// A transaction created 25 hours ago is no longer valid
	{
		txnID, err := fixture.uut.CreateTransaction(utCtx, testUser, nil)
		assert.Nil(err)
		ageTransaction(t, utCtx, fixture.persistence, txnID, time.Hour*25)
		assert.False(fixture.uut.ValidateTransaction(utCtx, txnID, testUser))

		fresh, err := fixture.uut.CreateTransaction(utCtx, testUser, nil)
		assert.Nil(err)
		assert.True(fixture.uut.ValidateTransaction(utCtx, fresh, testUser))
	}

	// Only old completed transactions are swept
	oldCompleted := []string{}
	for idx := 0; idx < 2; idx++ {
		txn, err := fixture.uut.StartTransaction(utCtx, testUser, nil)
		assert.Nil(err)
		_, err = fixture.uut.CompleteTransaction(utCtx, txn.TransactionID, nil)
		assert.Nil(err)
		ageTransaction(t, utCtx, fixture.persistence, txn.TransactionID, time.Hour*24*100)
		oldCompleted = append(oldCompleted, txn.TransactionID)
	}
	recentCompleted, err := fixture.uut.StartTransaction(utCtx, testUser, nil)
	assert.Nil(err)
	_, err = fixture.uut.CompleteTransaction(utCtx, recentCompleted.TransactionID, nil)
	assert.Nil(err)
	oldActive, err := fixture.uut.StartTransaction(utCtx, testUser, nil)
	assert.Nil(err)
	ageTransaction(t, utCtx, fixture.persistence, oldActive.TransactionID, time.Hour*24*100)

	deleted, err := fixture.uut.CleanupOldTransactions(utCtx, 0)
	assert.Nil(err)
	assert.Equal(2, deleted)

	for _, txnID := range oldCompleted {
		_, err := fixture.uut.GetTransaction(utCtx, txnID)
		assert.ErrorIs(err, models.ErrInvalidTransaction)
	}
	_, err = fixture.uut.GetTransaction(utCtx, recentCompleted.TransactionID)
	assert.Nil(err)
	_, err = fixture.uut.GetTransaction(utCtx, oldActive.TransactionID)
	assert.Nil(err)

	// A tighter cutoff catches the recent one only once old enough
	deleted, err = fixture.uut.CleanupOldTransactions(utCtx, 1)
	assert.Nil(err)
	assert.Equal(0, deleted)
	ageTransaction(t, utCtx, fixture.persistence, recentCompleted.TransactionID, time.Hour*48)
	deleted, err = fixture.uut.CleanupOldTransactions(utCtx, 1)
	assert.Nil(err)
	assert.Equal(1, deleted)
}
