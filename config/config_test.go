package config_test

import (
	"encoding/base64"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/alwitt/enclave/config"
	"github.com/alwitt/enclave/models"
	"github.com/apex/log"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
)

func TestConfigDefaults(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	cfg := config.DefaultConfig()

	// Case 0: no wrapping key
	assert.Error(cfg.Validate())

	// Case 1: with wrapping key
	cfg.Crypto.WrappingKey = make([]byte, 32)
	assert.Nil(cfg.Validate())
	assert.Equal(models.CipherAlgorithmAES256GCM, cfg.Crypto.Algorithm)
	assert.Equal(100000, cfg.Crypto.PBKDF2Iterations)
	assert.Equal(time.Hour*24*90, cfg.Keys.RotationPeriod)
	assert.Equal(time.Hour*24, cfg.Transaction.Validity)

	// Case 2: bad key length
	cfg.Crypto.KeyLength = 8
	assert.Error(cfg.Validate())
	cfg.Crypto.KeyLength = 65
	assert.Error(cfg.Validate())
	cfg.Crypto.KeyLength = 32

	// Case 3: unknown cipher
	cfg.Crypto.Algorithm = "des"
	assert.Error(cfg.Validate())
	cfg.Crypto.Algorithm = models.CipherAlgorithmChaCha20Poly1305
	assert.Nil(cfg.Validate())

	// Case 4: s3 backend needs bucket and region
	cfg.Blob.Backend = "s3"
	assert.Error(cfg.Validate())
	cfg.Blob.Bucket = "backups"
	cfg.Blob.Region = "us-east-1"
	assert.Nil(cfg.Validate())
}

func TestConfigLoadFromEnv(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wrappingKey := base64.StdEncoding.EncodeToString(make([]byte, 32))

	envFile := fmt.Sprintf("/tmp/enclave_ut_%s.env", ulid.Make().String())
	assert.Nil(os.WriteFile(envFile, []byte(fmt.Sprintf(
		"ENCLAVE_WRAPPING_KEY=%s\nENCLAVE_KEY_LENGTH=24\nENCLAVE_BLOB_ROOT=/tmp/from-file\n",
		wrappingKey,
	)), 0o600))

	t.Setenv("ENCLAVE_ALGORITHM", "xchacha20-poly1305")
	t.Setenv("ENCLAVE_TXN_VALIDITY", "12h")
	t.Setenv("ENCLAVE_BLOB_ROOT", "/tmp/from-env")

	cfg, err := config.LoadFromEnv(envFile)
	assert.Nil(err)
	assert.Equal(models.CipherAlgorithmXChaCha20Poly1305, cfg.Crypto.Algorithm)
	assert.Equal(24, cfg.Crypto.KeyLength)
	assert.Equal(time.Hour*12, cfg.Transaction.Validity)
	assert.Len(cfg.Crypto.WrappingKey, 32)
	assert.Equal("/tmp/from-env", cfg.Blob.Root)

	// Malformed value
	t.Setenv("ENCLAVE_CACHE_SIZE", "many")
	_, err = config.LoadFromEnv(envFile)
	assert.Error(err)

	// Missing env file
	_, err = config.LoadFromEnv("/tmp/does-not-exist.env")
	assert.Error(err)
}
