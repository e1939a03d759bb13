// Package enclave - per-user end-to-end encryption core
package enclave

import (
	"context"
	"fmt"

	"github.com/alwitt/enclave/blob"
	"github.com/alwitt/enclave/config"
	"github.com/alwitt/enclave/db"
	"github.com/alwitt/enclave/encryption"
	"github.com/alwitt/enclave/events"
	"github.com/alwitt/enclave/transaction"
	"github.com/apex/log"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// E2EECore the wired key management, encryption and transaction services
type E2EECore struct {
	// Config the system configuration
	Config config.Config
	// Persistence persistence layer client
	Persistence db.Client
	// Backups key backup blob store
	Backups blob.Store
	// Events domain event bus
	Events *events.LocalBus
	// Keys key management service
	Keys encryption.KeyManager
	// Encryption encryption service
	Encryption encryption.Service
	// Transactions transaction service
	Transactions transaction.Service
}

// E2EECoreParams core init parameters
type E2EECoreParams struct {
	// Config system configuration
	Config config.Config
	// DBLogLevel SQL log level
	DBLogLevel logger.LogLevel
	// SkipMigration do not apply the schema on start
	SkipMigration bool
	// Backups optional blob store override. Defined from Config if not provided.
	Backups blob.Store
}

// dialectorFor GORM dialector of the configured database
func dialectorFor(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Dialect {
	case "sqlite":
		return db.GetSqliteDialector(cfg.DSN), nil
	case "postgres":
		return db.GetPostgresDialector(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database dialect '%s'", cfg.Dialect)
	}
}

/*
NewBlobStore define the key backup blob store described by the configuration

	@param ctx context.Context - execution context
	@param cfg config.BlobConfig - blob store settings
	@returns the store
*/
func NewBlobStore(ctx context.Context, cfg config.BlobConfig) (blob.Store, error) {
	switch cfg.Backend {
	case "filesystem":
		return blob.NewFilesystemStore(cfg.Root)
	case "s3":
		return blob.NewS3Store(ctx, blob.S3Params{
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			BaseEndpoint:    cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			UsePathStyle:    cfg.Endpoint != "",
		})
	case "minio":
		return blob.NewMinioStore(ctx, blob.MinioParams{
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			UseSSL:          cfg.UseSSL,
			Bucket:          cfg.Bucket,
		})
	default:
		return nil, fmt.Errorf("unsupported blob backend '%s'", cfg.Backend)
	}
}

/*
NewE2EECore initialize the encryption core.

Two cores sharing the same database and wrapping key see the same keys and transactions.
Caches are per core.

	@param ctx context.Context - execution context
	@param params E2EECoreParams - core parameters
	@returns new core instance
*/
func NewE2EECore(ctx context.Context, params E2EECoreParams) (*E2EECore, error) {
	logTags := log.Fields{"package": "enclave", "module": "core"}
	cfg := params.Config

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration [%w]", err)
	}

	// Prepare persistence
	dialector, err := dialectorFor(cfg.Database)
	if err != nil {
		return nil, err
	}
	persistence, err := db.NewConnectionWithParams(db.ConnectionParams{
		Dialector:    dialector,
		LogLevel:     params.DBLogLevel,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialized persistence client [%w]", err)
	}
	if !params.SkipMigration {
		if err := persistence.Migrate(ctx); err != nil {
			_ = persistence.Close()
			return nil, fmt.Errorf("failed to apply schema [%w]", err)
		}
	}

	// Prepare backup storage
	backups := params.Backups
	if backups == nil {
		if backups, err = NewBlobStore(ctx, cfg.Blob); err != nil {
			_ = persistence.Close()
			return nil, fmt.Errorf("failed to initialized backup store [%w]", err)
		}
	}

	bus := events.NewLocalBus()

	keys, err := encryption.NewKeyManager(ctx, encryption.KeyManagerParams{
		Persistence: persistence, BlobStore: backups, Config: cfg,
	})
	if err != nil {
		_ = persistence.Close()
		return nil, fmt.Errorf("failed to initialized key manager [%w]", err)
	}

	crypto, err := encryption.NewService(ctx, encryption.ServiceParams{
		KeyManager: keys, Persistence: persistence, Publisher: bus, Config: cfg,
	})
	if err != nil {
		_ = persistence.Close()
		return nil, fmt.Errorf("failed to initialized encryption service [%w]", err)
	}

	transactions, err := transaction.NewService(ctx, transaction.ServiceParams{
		Persistence: persistence, Encryption: crypto, Config: cfg,
	})
	if err != nil {
		_ = persistence.Close()
		return nil, fmt.Errorf("failed to initialized transaction service [%w]", err)
	}

	log.WithFields(logTags).
		WithField("dialect", cfg.Database.Dialect).
		WithField("blob_backend", cfg.Blob.Backend).
		WithField("algorithm", cfg.Crypto.Algorithm).
		Info("Encryption core ready")

	return &E2EECore{
		Config:       cfg,
		Persistence:  persistence,
		Backups:      backups,
		Events:       bus,
		Keys:         keys,
		Encryption:   crypto,
		Transactions: transactions,
	}, nil
}

// Close release the core's resources
func (c *E2EECore) Close() error {
	return c.Persistence.Close()
}
