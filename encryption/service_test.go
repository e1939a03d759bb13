package encryption

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"

	"github.com/alwitt/enclave/db"
	"github.com/alwitt/enclave/events"
	"github.com/alwitt/enclave/models"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// eventRecorder collects published domain events
type eventRecorder struct {
	lock     sync.Mutex
	received []events.Event
}

func (r *eventRecorder) handle(_ context.Context, event events.Event) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.received = append(r.received, event)
}

func (r *eventRecorder) events() []events.Event {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]events.Event{}, r.received...)
}

// flipBit flip one bit of a base64 encoded value
func flipBit(t *testing.T, encoded string, idx int) string {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	assert.Nil(t, err)
	raw[idx%len(raw)] ^= 0x01
	return base64.StdEncoding.EncodeToString(raw)
}

func getTransaction(
	t *testing.T, utCtx context.Context, persistence db.Client, transactionID string,
) (models.EncryptionTransaction, error) {
	var entry models.EncryptionTransaction
	err := persistence.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
		var err error
		entry, err = dbClient.GetTransaction(ctx, transactionID)
		return err
	})
	return entry, err
}

func TestEncryptionServiceRoundTrip(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := models.WithRequestContext(
		context.Background(),
		models.RequestContext{Actor: "unit-tester", IPAddress: "10.0.0.1", UserAgent: "ut"},
	)
	fixture := newTestFixture(t, utCtx, newTestConfig(t))
	defer func() {
		assert.Nil(fixture.persistence.Close())
	}()

	recorder := &eventRecorder{}
	fixture.bus.Subscribe(events.EventTypeDataEncrypted, recorder.handle)
	fixture.bus.Subscribe(events.EventTypeDataDecrypted, recorder.handle)

	testUser := int64(42)

	generated, err := fixture.keys.GenerateUserKeys(utCtx, testUser, "")
	assert.Nil(err)

	envelope, err := fixture.svc.Encrypt(
		utCtx, []byte("hello"), testUser, map[string]interface{}{"purpose": "greeting"},
	)
	assert.Nil(err)
	assert.NotEmpty(envelope.TransactionID)
	assert.Equal(generated.KeyID, envelope.KeyID)
	assert.Equal(models.CipherAlgorithmAES256GCM, envelope.Algorithm)
	{
		iv, err := base64.StdEncoding.DecodeString(envelope.IV)
		assert.Nil(err)
		assert.Len(iv, 12)
		tag, err := base64.StdEncoding.DecodeString(envelope.Tag)
		assert.Nil(err)
		assert.Len(tag, 16)
	}

	// Transaction recorded
	{
		entry, err := getTransaction(t, utCtx, fixture.persistence, envelope.TransactionID)
		assert.Nil(err)
		assert.Equal(testUser, entry.UserID)
		assert.Equal(models.TransactionOperationEncrypt, entry.Operation)
		assert.Equal(models.TransactionStatusCompleted, entry.Status)
		assert.Equal("greeting", entry.Metadata["purpose"])
		assert.Equal("10.0.0.1", entry.IPAddress)
	}

	// Decrypt
	plainText, err := fixture.svc.Decrypt(utCtx, DecryptRequest{
		CipherText:    envelope.CipherText,
		IV:            envelope.IV,
		Tag:           envelope.Tag,
		TransactionID: envelope.TransactionID,
	}, testUser)
	assert.Nil(err)
	assert.Equal([]byte("hello"), plainText)

	// Decrypt without transaction ID creates a new transaction
	{
		plainText, err := fixture.svc.Decrypt(utCtx, DecryptRequest{
			CipherText: envelope.CipherText, IV: envelope.IV, Tag: envelope.Tag,
		}, testUser)
		assert.Nil(err)
		assert.Equal([]byte("hello"), plainText)

		var entries []models.EncryptionTransaction
		assert.Nil(fixture.persistence.UseDatabase(
			utCtx, func(ctx context.Context, dbClient db.Database) error {
				var err error
				entries, err = dbClient.ListTransactions(ctx, db.TransactionQueryFilter{
					TargetUserID: &testUser,
					TargetStatus: []models.TransactionStatusENUMType{models.TransactionStatusCompleted},
				})
				return err
			},
		))
		assert.Len(entries, 2)
	}

	// Events never carry plain text
	{
		received := recorder.events()
		assert.Len(received, 3)
		assert.Equal(events.EventTypeDataEncrypted, received[0].Type)
		assert.Equal(envelope.TransactionID, received[0].TransactionID)
		assert.Equal(generated.KeyID, received[0].KeyID)
		assert.Equal(5, received[0].DataLen)
		assert.Equal("unit-tester", received[0].Caller.Actor)
		assert.Equal(events.EventTypeDataDecrypted, received[1].Type)
		assert.Equal(envelope.TransactionID, received[1].TransactionID)
		assert.Equal(5, received[1].DataLen)
	}

	// Audit entries
	{
		var audits []models.AuditEvent
		assert.Nil(fixture.persistence.UseDatabase(
			utCtx, func(ctx context.Context, dbClient db.Database) error {
				var err error
				audits, err = dbClient.ListAuditEvents(ctx, db.AuditEventQueryFilter{
					EventTypes: []models.AuditEventTypeENUMType{
						models.AuditEventTypeDataEncrypted, models.AuditEventTypeDataDecrypted,
					},
				})
				return err
			},
		))
		assert.Len(audits, 3)
		assert.Equal(models.AuditEventTypeDataEncrypted, audits[0].EventType)
		assert.NotContains(string(audits[0].Metadata), "hello")
		assert.Contains(string(audits[0].Metadata), generated.KeyID)
	}
}

func TestEncryptionServiceIntegrity(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	fixture := newTestFixture(t, utCtx, newTestConfig(t))
	defer func() {
		assert.Nil(fixture.persistence.Close())
	}()

	alice := int64(1)
	bob := int64(2)

	envelope, err := fixture.svc.Encrypt(utCtx, []byte("for alice only"), alice, nil)
	assert.Nil(err)
	base := RequestFromEnvelope(envelope)

	// Tampered cipher text
	for idx := 0; idx < 3; idx++ {
		req := base
		req.CipherText = flipBit(t, envelope.CipherText, idx)
		_, err := fixture.svc.Decrypt(utCtx, req, alice)
		assert.ErrorIs(err, models.ErrDecryptionFailed)
	}

	// Tampered tag
	{
		req := base
		req.Tag = flipBit(t, envelope.Tag, 15)
		_, err := fixture.svc.Decrypt(utCtx, req, alice)
		assert.ErrorIs(err, models.ErrDecryptionFailed)
	}

	// Tampered IV
	{
		req := base
		req.IV = flipBit(t, envelope.IV, 0)
		_, err := fixture.svc.Decrypt(utCtx, req, alice)
		assert.ErrorIs(err, models.ErrDecryptionFailed)
	}

	// Tag is required
	{
		req := base
		req.Tag = ""
		_, err := fixture.svc.Decrypt(utCtx, req, alice)
		assert.ErrorIs(err, models.ErrDecryptionFailed)
	}

	// Undecodable input
	{
		req := base
		req.CipherText = "***"
		_, err := fixture.svc.Decrypt(utCtx, req, alice)
		assert.ErrorIs(err, models.ErrDecryptionFailed)
	}

	// Another user's key must fail
	{
		req := base
		req.KeyID = ""
		req.TransactionID = ""
		_, err := fixture.svc.Decrypt(utCtx, req, bob)
		assert.ErrorIs(err, models.ErrDecryptionFailed)

		// Nor can bob pick alice's key
		_, err = fixture.svc.Decrypt(utCtx, RequestFromEnvelope(envelope), bob)
		assert.ErrorIs(err, models.ErrKeyNotFound)
	}

	// Bob can not bind to alice's transaction
	{
		_, err := fixture.svc.EncryptForTransaction(
			utCtx, []byte("x"), bob, envelope.TransactionID, nil,
		)
		assert.ErrorIs(err, models.ErrInvalidTransaction)
	}

	// Data from before a rotation stays readable by key ID
	{
		_, err := fixture.keys.ForceKeyRotation(utCtx, alice, "manual")
		assert.Nil(err)

		plainText, err := fixture.svc.Decrypt(utCtx, base, alice)
		assert.Nil(err)
		assert.Equal([]byte("for alice only"), plainText)

		// The active key no longer opens it
		req := base
		req.KeyID = ""
		_, err = fixture.svc.Decrypt(utCtx, req, alice)
		assert.ErrorIs(err, models.ErrDecryptionFailed)
	}

	// After revocation nothing opens it
	{
		_, err := fixture.keys.RevokeUserKey(utCtx, alice, "compromised")
		assert.Nil(err)
		_, err = fixture.svc.Decrypt(utCtx, base, alice)
		assert.ErrorIs(err, models.ErrKeyNotFound)
	}
}

func TestEncryptionServiceAlgorithms(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	for _, algorithm := range []models.CipherAlgorithmENUMType{
		models.CipherAlgorithmAES128GCM,
		models.CipherAlgorithmChaCha20Poly1305,
		models.CipherAlgorithmXChaCha20Poly1305,
	} {
		cfg := newTestConfig(t)
		cfg.Crypto.Algorithm = algorithm
		cfg.Crypto.KeyLength = 64
		fixture := newTestFixture(t, utCtx, cfg)

		envelope, err := fixture.svc.Encrypt(utCtx, []byte("payload"), 5, nil)
		assert.Nil(err, algorithm)
		assert.Equal(algorithm, envelope.Algorithm)

		plainText, err := fixture.svc.Decrypt(utCtx, RequestFromEnvelope(envelope), 5)
		assert.Nil(err, algorithm)
		assert.Equal([]byte("payload"), plainText)

		req := RequestFromEnvelope(envelope)
		req.Tag = flipBit(t, envelope.Tag, 0)
		_, err = fixture.svc.Decrypt(utCtx, req, 5)
		assert.ErrorIs(err, models.ErrDecryptionFailed, algorithm)

		passed, err := fixture.svc.TestEncryptionCycle(utCtx, nil)
		assert.Nil(err, algorithm)
		assert.True(passed)

		assert.Nil(fixture.persistence.Close())
	}
}

func TestEncryptionServiceForTransaction(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	fixture := newTestFixture(t, utCtx, newTestConfig(t))
	defer func() {
		assert.Nil(fixture.persistence.Close())
	}()

	testUser := int64(9)
	transactionID := NewTransactionID()

	// Missing transaction ID
	{
		_, err := fixture.svc.EncryptForTransaction(utCtx, []byte("x"), testUser, "", nil)
		assert.ErrorIs(err, models.ErrInvalidTransaction)
	}

	// Upsert: created on first use
	envelope, err := fixture.svc.EncryptForTransaction(
		utCtx, []byte("bound"), testUser, transactionID, map[string]interface{}{"step": "one"},
	)
	assert.Nil(err)
	assert.Equal(transactionID, envelope.TransactionID)

	// Upsert: merged on second use
	plainText, err := fixture.svc.DecryptForTransaction(
		utCtx,
		RequestFromEnvelope(envelope),
		testUser,
		transactionID,
		map[string]interface{}{"step": "two", "reader": "ut"},
	)
	assert.Nil(err)
	assert.Equal([]byte("bound"), plainText)

	entry, err := getTransaction(t, utCtx, fixture.persistence, transactionID)
	assert.Nil(err)
	assert.Equal(models.TransactionOperationEncrypt, entry.Operation)
	assert.Equal("two", entry.Metadata["step"])
	assert.Equal("ut", entry.Metadata["reader"])
}

func TestEncryptionServiceKeyUtilities(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	fixture := newTestFixture(t, utCtx, newTestConfig(t))
	defer func() {
		assert.Nil(fixture.persistence.Close())
	}()

	// GenerateKey
	{
		key, err := fixture.svc.GenerateKey(24)
		assert.Nil(err)
		raw, err := base64.StdEncoding.DecodeString(key)
		assert.Nil(err)
		assert.Len(raw, 24)
		assert.True(fixture.svc.ValidateKey(key))

		other, err := fixture.svc.GenerateKey(24)
		assert.Nil(err)
		assert.NotEqual(key, other)

		_, err = fixture.svc.GenerateKey(8)
		assert.ErrorIs(err, models.ErrInvalidKeyLength)
		_, err = fixture.svc.GenerateKey(128)
		assert.ErrorIs(err, models.ErrInvalidKeyLength)
	}

	// ValidateKey
	{
		assert.False(fixture.svc.ValidateKey("not base64!"))
		assert.False(fixture.svc.ValidateKey(base64.StdEncoding.EncodeToString(make([]byte, 8))))
		assert.False(fixture.svc.ValidateKey(base64.StdEncoding.EncodeToString(make([]byte, 65))))
		assert.True(fixture.svc.ValidateKey(base64.StdEncoding.EncodeToString(make([]byte, 64))))
	}

	// DeriveKey
	{
		derived, err := fixture.svc.DeriveKey("hunter2", nil, 0)
		assert.Nil(err)
		assert.Equal(fixture.cfg.Crypto.PBKDF2Iterations, derived.Iterations)
		salt, err := base64.StdEncoding.DecodeString(derived.Salt)
		assert.Nil(err)
		assert.Len(salt, SaltLength)
		key, err := base64.StdEncoding.DecodeString(derived.Key)
		assert.Nil(err)
		assert.Len(key, DerivedKeyLength)

		again, err := fixture.svc.DeriveKey("hunter2", salt, derived.Iterations)
		assert.Nil(err)
		assert.Equal(derived, again)

		_, err = fixture.svc.DeriveKey("hunter2", []byte("short"), 1000)
		assert.ErrorIs(err, models.ErrInvalidSalt)
	}

	// Self check
	{
		passed, err := fixture.svc.TestEncryptionCycle(utCtx, []byte("probe"))
		assert.Nil(err)
		assert.True(passed)
	}
}

func TestEncryptionServiceBatch(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	fixture := newTestFixture(t, utCtx, newTestConfig(t))
	defer func() {
		assert.Nil(fixture.persistence.Close())
	}()

	testUser := int64(11)
	items := [][]byte{[]byte("a"), []byte("bb"), {}, []byte("dddd"), []byte("eeeee")}

	envelopes := fixture.svc.BatchEncrypt(utCtx, items, testUser, nil)
	assert.Len(envelopes, len(items))
	requests := []DecryptRequest{}
	for _, envelope := range envelopes {
		assert.NotNil(envelope)
		requests = append(requests, RequestFromEnvelope(*envelope))
	}

	// Corrupt one item
	requests[3].Tag = flipBit(t, requests[3].Tag, 2)

	results := fixture.svc.BatchDecrypt(utCtx, requests, testUser)
	assert.Len(results, len(items))
	for idx, result := range results {
		if idx == 3 {
			assert.Nil(result)
			continue
		}
		assert.NotNil(result)
		assert.Equal(string(items[idx]), string(result))
	}

	assert.Empty(fixture.svc.BatchDecrypt(utCtx, nil, testUser))
	assert.Equal([][2]int{{0, 2}, {2, 4}, {4, 5}}, chunkBounds(5, 2))
}

func TestEncryptionServiceMemoization(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	fixture := newTestFixture(t, utCtx, newTestConfig(t))
	defer func() {
		assert.Nil(fixture.persistence.Close())
	}()

	testUser := int64(12)

	first, err := fixture.svc.EncryptWithCache(utCtx, []byte("memo"), testUser, "label-a")
	assert.Nil(err)
	second, err := fixture.svc.EncryptWithCache(utCtx, []byte("memo"), testUser, "label-a")
	assert.Nil(err)
	assert.Equal(first, second)

	// Different label, different result
	third, err := fixture.svc.EncryptWithCache(utCtx, []byte("memo"), testUser, "label-b")
	assert.Nil(err)
	assert.NotEqual(first.IV, third.IV)

	// Decrypt memo
	{
		plainText, err := fixture.svc.DecryptWithCache(utCtx, RequestFromEnvelope(first), testUser, "x")
		assert.Nil(err)
		assert.Equal([]byte("memo"), plainText)
		plainText, err = fixture.svc.DecryptWithCache(utCtx, RequestFromEnvelope(first), testUser, "x")
		assert.Nil(err)
		assert.Equal([]byte("memo"), plainText)
	}

	// A rotation invalidates the memoized envelope
	rotated, err := fixture.keys.ForceKeyRotation(utCtx, testUser, "manual")
	assert.Nil(err)
	fourth, err := fixture.svc.EncryptWithCache(utCtx, []byte("memo"), testUser, "label-a")
	assert.Nil(err)
	assert.Equal(rotated.Entry.ID, fourth.KeyID)
	assert.NotEqual(first.TransactionID, fourth.TransactionID)

	// A revocation invalidates the memoized plain text
	_, err = fixture.keys.RevokeUserKey(utCtx, testUser, "compromised")
	assert.Nil(err)
	_, err = fixture.svc.DecryptWithCache(utCtx, RequestFromEnvelope(first), testUser, "x")
	assert.ErrorIs(err, models.ErrKeyNotFound)
}
