package encryption

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"testing"

	cgoCrypto "github.com/alwitt/cgoutils/crypto"
	"github.com/alwitt/enclave/blob"
	"github.com/alwitt/enclave/config"
	"github.com/alwitt/enclave/db"
	"github.com/alwitt/enclave/events"
	"github.com/apex/log"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm/logger"
)

// testFixture services wired against a temporary sqlite DB and backup directory
type testFixture struct {
	cfg         config.Config
	engine      cgoCrypto.Engine
	persistence db.Client
	blobs       blob.Store
	bus         *events.LocalBus
	keys        KeyManager
	svc         Service
}

func newTestConfig(t *testing.T) config.Config {
	cfg := config.DefaultConfig()
	cfg.Crypto.WrappingKey = make([]byte, 32)
	_, err := rand.Read(cfg.Crypto.WrappingKey)
	assert.Nil(t, err)
	cfg.Crypto.PBKDF2Iterations = 1000
	cfg.Database.DSN = fmt.Sprintf("/tmp/enclave_ut_%s.db", ulid.Make().String())
	cfg.Blob.Root = t.TempDir()
	cfg.Transaction.BatchChunkSize = 2
	return cfg
}

func newTestFixture(t *testing.T, utCtx context.Context, cfg config.Config) testFixture {
	log.WithField("db", cfg.Database.DSN).Debug("Test database")

	persistence, err := db.NewConnection(db.GetSqliteDialector(cfg.Database.DSN), logger.Error)
	assert.Nil(t, err)
	assert.Nil(t, persistence.Migrate(utCtx))

	blobs, err := blob.NewFilesystemStore(cfg.Blob.Root)
	assert.Nil(t, err)

	engine, err := newCryptoEngine()
	assert.Nil(t, err)

	keys, err := NewKeyManager(utCtx, KeyManagerParams{
		Persistence: persistence, BlobStore: blobs, Config: cfg, Engine: engine,
	})
	assert.Nil(t, err)

	bus := events.NewLocalBus()
	svc, err := NewService(utCtx, ServiceParams{
		KeyManager: keys, Persistence: persistence, Publisher: bus, Config: cfg, Engine: engine,
	})
	assert.Nil(t, err)

	return testFixture{
		cfg:         cfg,
		engine:      engine,
		persistence: persistence,
		blobs:       blobs,
		bus:         bus,
		keys:        keys,
		svc:         svc,
	}
}

// freshKeyManager a second key manager over the same storage, with an empty cache
func (f testFixture) freshKeyManager(t *testing.T, utCtx context.Context) KeyManager {
	keys, err := NewKeyManager(utCtx, KeyManagerParams{
		Persistence: f.persistence, BlobStore: f.blobs, Config: f.cfg, Engine: f.engine,
	})
	assert.Nil(t, err)
	return keys
}

func encodeB64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
