// Package config - system configuration
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alwitt/enclave/models"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// CryptoConfig cipher and key derivation settings
type CryptoConfig struct {
	// Algorithm cipher used for new keys
	Algorithm models.CipherAlgorithmENUMType `validate:"required,cipher_algorithm"`
	// KeyLength user key length in bytes
	KeyLength int `validate:"gte=16,lte=64"`
	// PBKDF2Iterations PBKDF2-SHA256 iteration count
	PBKDF2Iterations int `validate:"gte=1000"`
	// WrappingKey system secret sealing key material at rest
	WrappingKey []byte `validate:"len=32"`
}

// KeyConfig key lifecycle settings
type KeyConfig struct {
	// RotationPeriod lifetime of a new key
	RotationPeriod time.Duration `validate:"gt=0"`
	// BackupPrefix object path prefix for key backups
	BackupPrefix string `validate:"required"`
}

// CacheConfig cache settings
type CacheConfig struct {
	// Size max entries per cache
	Size int `validate:"gte=1"`
	// KeyTTL user key cache TTL
	KeyTTL time.Duration `validate:"gt=0"`
	// TransactionTTL transaction cache TTL
	TransactionTTL time.Duration `validate:"gt=0"`
	// OperationTTL encrypt / decrypt memoization TTL
	OperationTTL time.Duration `validate:"gt=0"`
}

// TransactionConfig transaction lifecycle settings
type TransactionConfig struct {
	// Validity how long after creation a transaction may be used
	Validity time.Duration `validate:"gt=0"`
	// RetentionDays completed transactions older than this are swept
	RetentionDays int `validate:"gte=1"`
	// BatchChunkSize batch operations process items in chunks of this size
	BatchChunkSize int `validate:"gte=1"`
}

// DatabaseConfig persistence settings
type DatabaseConfig struct {
	// Dialect "sqlite" or "postgres"
	Dialect string `validate:"oneof=sqlite postgres"`
	// DSN sqlite file path, or postgres DSN
	DSN string `validate:"required"`
	// MaxOpenConns connection pool size
	MaxOpenConns int `validate:"gte=0"`
}

// BlobConfig backup storage settings
type BlobConfig struct {
	// Backend "filesystem", "s3" or "minio"
	Backend string `validate:"oneof=filesystem s3 minio"`
	// Root local directory for the filesystem backend
	Root string `validate:"required_if=Backend filesystem"`
	// Bucket bucket for the s3 and minio backends
	Bucket string `validate:"required_unless=Backend filesystem"`
	// Region s3 region
	Region string `validate:"required_if=Backend s3"`
	// Endpoint endpoint override for s3, required for minio
	Endpoint string `validate:"required_if=Backend minio"`
	// AccessKeyID access key
	AccessKeyID string
	// SecretAccessKey secret key
	SecretAccessKey string
	// UseSSL minio TLS
	UseSSL bool
}

// Config system configuration
type Config struct {
	Crypto      CryptoConfig
	Keys        KeyConfig
	Cache       CacheConfig
	Transaction TransactionConfig
	Database    DatabaseConfig
	Blob        BlobConfig
}

// DefaultConfig the default configuration. The wrapping key must still be provided.
func DefaultConfig() Config {
	return Config{
		Crypto: CryptoConfig{
			Algorithm:        models.CipherAlgorithmAES256GCM,
			KeyLength:        32,
			PBKDF2Iterations: 100000,
		},
		Keys: KeyConfig{
			RotationPeriod: time.Hour * 24 * 90,
			BackupPrefix:   "key-backups",
		},
		Cache: CacheConfig{
			Size:           4096,
			KeyTTL:         time.Hour,
			TransactionTTL: time.Hour,
			OperationTTL:   time.Minute * 10,
		},
		Transaction: TransactionConfig{
			Validity:       time.Hour * 24,
			RetentionDays:  90,
			BatchChunkSize: 100,
		},
		Database: DatabaseConfig{
			Dialect: "sqlite",
			DSN:     "enclave.db",
		},
		Blob: BlobConfig{
			Backend: "filesystem",
			Root:    "backups",
		},
	}
}

/*
Validate check the configuration

	@returns whether the configuration is usable
*/
func (c Config) Validate() error {
	validate := validator.New()
	if err := models.RegisterWithValidator(validate); err != nil {
		return fmt.Errorf("failed to install custom validation macros [%w]", err)
	}
	if err := validate.Struct(&c); err != nil {
		return fmt.Errorf("invalid configuration [%w]", err)
	}
	return nil
}

// envReader collects parse failures while reading ENCLAVE_* variables
type envReader struct {
	errs []string
}

func (r *envReader) str(name string, target *string) {
	if value, ok := os.LookupEnv(name); ok {
		*target = value
	}
}

func (r *envReader) integer(name string, target *int) {
	if value, ok := os.LookupEnv(name); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			r.errs = append(r.errs, fmt.Sprintf("%s: %s", name, err.Error()))
			return
		}
		*target = parsed
	}
}

func (r *envReader) boolean(name string, target *bool) {
	if value, ok := os.LookupEnv(name); ok {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			r.errs = append(r.errs, fmt.Sprintf("%s: %s", name, err.Error()))
			return
		}
		*target = parsed
	}
}

func (r *envReader) duration(name string, target *time.Duration) {
	if value, ok := os.LookupEnv(name); ok {
		parsed, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil {
			r.errs = append(r.errs, fmt.Sprintf("%s: %s", name, err.Error()))
			return
		}
		*target = parsed
	}
}

func (r *envReader) base64Bytes(name string, target *[]byte) {
	if value, ok := os.LookupEnv(name); ok {
		parsed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
		if err != nil {
			r.errs = append(r.errs, fmt.Sprintf("%s: %s", name, err.Error()))
			return
		}
		*target = parsed
	}
}

/*
LoadFromEnv build the configuration from defaults overridden by ENCLAVE_* environment
variables. Listed .env files are loaded first, without overriding variables already set.

	@param envFiles ...string - .env files to load. Missing files are an error.
	@returns validated configuration
*/
func LoadFromEnv(envFiles ...string) (Config, error) {
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return Config{}, fmt.Errorf("failed to load env files %v [%w]", envFiles, err)
		}
	}

	cfg := DefaultConfig()
	reader := envReader{}

	algorithm := string(cfg.Crypto.Algorithm)
	reader.str("ENCLAVE_ALGORITHM", &algorithm)
	cfg.Crypto.Algorithm = models.CipherAlgorithmENUMType(algorithm)
	reader.integer("ENCLAVE_KEY_LENGTH", &cfg.Crypto.KeyLength)
	reader.integer("ENCLAVE_PBKDF2_ITERATIONS", &cfg.Crypto.PBKDF2Iterations)
	reader.base64Bytes("ENCLAVE_WRAPPING_KEY", &cfg.Crypto.WrappingKey)

	reader.duration("ENCLAVE_KEY_ROTATION_PERIOD", &cfg.Keys.RotationPeriod)
	reader.str("ENCLAVE_BACKUP_PREFIX", &cfg.Keys.BackupPrefix)

	reader.integer("ENCLAVE_CACHE_SIZE", &cfg.Cache.Size)
	reader.duration("ENCLAVE_KEY_CACHE_TTL", &cfg.Cache.KeyTTL)
	reader.duration("ENCLAVE_TXN_CACHE_TTL", &cfg.Cache.TransactionTTL)
	reader.duration("ENCLAVE_OP_CACHE_TTL", &cfg.Cache.OperationTTL)

	reader.duration("ENCLAVE_TXN_VALIDITY", &cfg.Transaction.Validity)
	reader.integer("ENCLAVE_TXN_RETENTION_DAYS", &cfg.Transaction.RetentionDays)
	reader.integer("ENCLAVE_BATCH_CHUNK_SIZE", &cfg.Transaction.BatchChunkSize)

	reader.str("ENCLAVE_DB_DIALECT", &cfg.Database.Dialect)
	reader.str("ENCLAVE_DB_DSN", &cfg.Database.DSN)
	reader.integer("ENCLAVE_DB_MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns)

	reader.str("ENCLAVE_BLOB_BACKEND", &cfg.Blob.Backend)
	reader.str("ENCLAVE_BLOB_ROOT", &cfg.Blob.Root)
	reader.str("ENCLAVE_BLOB_BUCKET", &cfg.Blob.Bucket)
	reader.str("ENCLAVE_BLOB_REGION", &cfg.Blob.Region)
	reader.str("ENCLAVE_BLOB_ENDPOINT", &cfg.Blob.Endpoint)
	reader.str("ENCLAVE_BLOB_ACCESS_KEY_ID", &cfg.Blob.AccessKeyID)
	reader.str("ENCLAVE_BLOB_SECRET_ACCESS_KEY", &cfg.Blob.SecretAccessKey)
	reader.boolean("ENCLAVE_BLOB_USE_SSL", &cfg.Blob.UseSSL)

	if len(reader.errs) > 0 {
		return Config{}, fmt.Errorf("malformed environment: %s", strings.Join(reader.errs, "; "))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
