package encryption

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/alwitt/enclave/models"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// MinKeyLength smallest allowed key length in bytes
	MinKeyLength = 16
	// MaxKeyLength largest allowed key length in bytes
	MaxKeyLength = 64
	// MasterKeyLength master key length in bytes
	MasterKeyLength = 32
	// SaltLength PBKDF2 salt length in bytes
	SaltLength = 32
	// DerivedKeyLength PBKDF2 output length in bytes
	DerivedKeyLength = 32
	// MinBackupIterations smallest PBKDF2 iteration count accepted from a key backup
	MinBackupIterations = 1000
	// MaxBackupIterations largest PBKDF2 iteration count accepted from a key backup
	MaxBackupIterations = 10000000
)

// readRandom read exactly n bytes from a secure random source
func readRandom(rng io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if read, err := io.ReadFull(rng, buf); err != nil {
		return nil, fmt.Errorf("failed to read %d bytes from RNG [%w]", n, err)
	} else if read != n {
		return nil, fmt.Errorf("did not get %d bytes from RNG, only %d", n, read)
	}
	return buf, nil
}

// checkKeyLength verify a key length is within the allowed range
func checkKeyLength(length int) error {
	if length < MinKeyLength || length > MaxKeyLength {
		return models.NewCoreError(
			models.ErrorCodeInvalidKeyLength,
			nil,
			"key length %d outside of [%d, %d]",
			length,
			MinKeyLength,
			MaxKeyLength,
		)
	}
	return nil
}

// pbkdf2Key derive a key from a password with PBKDF2-SHA256
func pbkdf2Key(password []byte, salt []byte, iterations int) ([]byte, error) {
	if len(salt) != SaltLength {
		return nil, models.NewCoreError(
			models.ErrorCodeInvalidSalt, nil, "salt length %d =/= %d", len(salt), SaltLength,
		)
	}
	if iterations <= 0 {
		return nil, fmt.Errorf("PBKDF2 iteration count must be positive: %d", iterations)
	}
	return pbkdf2.Key(password, salt, iterations, DerivedKeyLength, sha256.New), nil
}

/*
cipherKeyFor expand a key pair into the working key of a cipher

The user key is the input keying material and the master key is the salt. The algorithm
name is bound as context, so one key pair yields independent keys per cipher.

	@param pair models.KeyPair - the key pair
	@param c Cipher - the target cipher
	@returns cipher key
*/
func cipherKeyFor(pair models.KeyPair, c Cipher) ([]byte, error) {
	if len(pair.UserKey) == 0 {
		return nil, fmt.Errorf("key %s carries no user key material", pair.KeyID)
	}
	reader := hkdf.New(
		sha256.New, pair.UserKey, pair.MasterKey, []byte("enclave:"+string(c.Algorithm())),
	)
	return readRandom(reader, c.KeyLen())
}

// ----------------------------------------------------------------------------------------

// sealer AES-256-GCM sealing with a fixed key. Output is nonce | cipher text | tag.
type sealer struct {
	key    []byte
	rng    io.Reader
	cipher Cipher
}

func newSealer(key []byte, rng io.Reader) (*sealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("sealing key length %d =/= 32", len(key))
	}
	return &sealer{
		key:    key,
		rng:    rng,
		cipher: aesGCMCipher{algorithm: models.CipherAlgorithmAES256GCM, keyLen: 32},
	}, nil
}

func (s *sealer) seal(ctx context.Context, plainText []byte) ([]byte, error) {
	nonce, err := readRandom(s.rng, s.cipher.NonceLen())
	if err != nil {
		return nil, err
	}
	cipherText, tag, err := s.cipher.Seal(ctx, s.key, nonce, plainText)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(nonce)+len(cipherText)+len(tag))
	sealed = append(sealed, nonce...)
	sealed = append(sealed, cipherText...)
	sealed = append(sealed, tag...)
	return sealed, nil
}

func (s *sealer) open(ctx context.Context, sealed []byte) ([]byte, error) {
	nonceLen := s.cipher.NonceLen()
	if len(sealed) < nonceLen+aeadTagLen {
		return nil, fmt.Errorf("sealed data too short: %d", len(sealed))
	}
	nonce := sealed[:nonceLen]
	cipherText := sealed[nonceLen : len(sealed)-aeadTagLen]
	tag := sealed[len(sealed)-aeadTagLen:]
	return s.cipher.Open(ctx, s.key, nonce, cipherText, tag)
}
