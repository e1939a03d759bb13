package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	cgoCrypto "github.com/alwitt/cgoutils/crypto"
	"github.com/alwitt/enclave/models"
	"golang.org/x/crypto/chacha20poly1305"
)

// aeadTagLen authentication tag length of every supported cipher
const aeadTagLen = 16

// Cipher authenticated symmetric cipher
type Cipher interface {
	// Algorithm the cipher algorithm
	Algorithm() models.CipherAlgorithmENUMType

	// KeyLen expected key length
	KeyLen() int

	// NonceLen expected nonce / IV length
	NonceLen() int

	/*
		Seal encrypt and authenticate plain text

			@param ctx context.Context - execution context
			@param key []byte - cipher key
			@param nonce []byte - nonce, must be unique per key
			@param plainText []byte - data to encrypt
			@returns cipher text, and the authentication tag
	*/
	Seal(ctx context.Context, key, nonce, plainText []byte) ([]byte, []byte, error)

	/*
		Open authenticate and decrypt cipher text

			@param ctx context.Context - execution context
			@param key []byte - cipher key
			@param nonce []byte - nonce used during Seal
			@param cipherText []byte - data to decrypt
			@param tag []byte - the authentication tag
			@returns plain text
	*/
	Open(ctx context.Context, key, nonce, cipherText, tag []byte) ([]byte, error)
}

/*
NewCipher define a cipher for an algorithm

	@param engine cgoCrypto.Engine - libsodium engine, only needed for XChaCha20-Poly1305
	@param algorithm models.CipherAlgorithmENUMType - the algorithm
	@returns the cipher
*/
func NewCipher(engine cgoCrypto.Engine, algorithm models.CipherAlgorithmENUMType) (Cipher, error) {
	switch algorithm {
	case models.CipherAlgorithmAES256GCM:
		return aesGCMCipher{algorithm: algorithm, keyLen: 32}, nil
	case models.CipherAlgorithmAES128GCM:
		return aesGCMCipher{algorithm: algorithm, keyLen: 16}, nil
	case models.CipherAlgorithmChaCha20Poly1305:
		return chachaCipher{}, nil
	case models.CipherAlgorithmXChaCha20Poly1305:
		if engine == nil {
			return nil, fmt.Errorf("%s requires the libsodium engine", algorithm)
		}
		return &sodiumCipher{crypto: engine}, nil
	}
	return nil, fmt.Errorf("unsupported cipher algorithm '%s'", algorithm)
}

// sealStdAEAD run a standard library style AEAD, splitting off the tag
func sealStdAEAD(aead cipher.AEAD, nonce, plainText []byte) ([]byte, []byte, error) {
	if len(nonce) != aead.NonceSize() {
		return nil, nil, fmt.Errorf("nonce length %d =/= %d", len(nonce), aead.NonceSize())
	}
	sealed := aead.Seal(nil, nonce, plainText, nil)
	split := len(sealed) - aead.Overhead()
	return sealed[:split], sealed[split:], nil
}

// openStdAEAD run a standard library style AEAD, rejoining the tag
func openStdAEAD(aead cipher.AEAD, nonce, cipherText, tag []byte) ([]byte, error) {
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("nonce length %d =/= %d", len(nonce), aead.NonceSize())
	}
	if len(tag) != aead.Overhead() {
		return nil, fmt.Errorf("tag length %d =/= %d", len(tag), aead.Overhead())
	}
	sealed := make([]byte, 0, len(cipherText)+len(tag))
	sealed = append(sealed, cipherText...)
	sealed = append(sealed, tag...)
	plainText, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, err
	}
	if plainText == nil {
		plainText = []byte{}
	}
	return plainText, nil
}

// --------------------------------------------------------------------------------------

// aesGCMCipher AES in GCM mode
type aesGCMCipher struct {
	algorithm models.CipherAlgorithmENUMType
	keyLen    int
}

func (c aesGCMCipher) Algorithm() models.CipherAlgorithmENUMType {
	return c.algorithm
}

func (c aesGCMCipher) KeyLen() int {
	return c.keyLen
}

func (c aesGCMCipher) NonceLen() int {
	return 12
}

func (c aesGCMCipher) aead(key []byte) (cipher.AEAD, error) {
	if len(key) != c.keyLen {
		return nil, fmt.Errorf("%s key length %d =/= %d", c.algorithm, len(key), c.keyLen)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to define AES block cipher [%w]", err)
	}
	return cipher.NewGCM(block)
}

func (c aesGCMCipher) Seal(
	_ context.Context, key, nonce, plainText []byte,
) ([]byte, []byte, error) {
	aead, err := c.aead(key)
	if err != nil {
		return nil, nil, err
	}
	return sealStdAEAD(aead, nonce, plainText)
}

func (c aesGCMCipher) Open(
	_ context.Context, key, nonce, cipherText, tag []byte,
) ([]byte, error) {
	aead, err := c.aead(key)
	if err != nil {
		return nil, err
	}
	return openStdAEAD(aead, nonce, cipherText, tag)
}

// --------------------------------------------------------------------------------------

// chachaCipher IETF ChaCha20-Poly1305
type chachaCipher struct{}

func (c chachaCipher) Algorithm() models.CipherAlgorithmENUMType {
	return models.CipherAlgorithmChaCha20Poly1305
}

func (c chachaCipher) KeyLen() int {
	return chacha20poly1305.KeySize
}

func (c chachaCipher) NonceLen() int {
	return chacha20poly1305.NonceSize
}

func (c chachaCipher) Seal(
	_ context.Context, key, nonce, plainText []byte,
) ([]byte, []byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to define ChaCha20-Poly1305 [%w]", err)
	}
	return sealStdAEAD(aead, nonce, plainText)
}

func (c chachaCipher) Open(
	_ context.Context, key, nonce, cipherText, tag []byte,
) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to define ChaCha20-Poly1305 [%w]", err)
	}
	return openStdAEAD(aead, nonce, cipherText, tag)
}
