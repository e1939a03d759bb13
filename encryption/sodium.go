package encryption

import (
	"context"
	"fmt"

	cgoCrypto "github.com/alwitt/cgoutils/crypto"
	"github.com/alwitt/enclave/models"
)

// sodiumCipher XChaCha20-Poly1305 through libsodium
type sodiumCipher struct {
	crypto cgoCrypto.Engine
}

func (c *sodiumCipher) Algorithm() models.CipherAlgorithmENUMType {
	return models.CipherAlgorithmXChaCha20Poly1305
}

func (c *sodiumCipher) KeyLen() int {
	return 32
}

func (c *sodiumCipher) NonceLen() int {
	return 24
}

// setupAEAD prepare AEAD with key and nonce installed
func (c *sodiumCipher) setupAEAD(
	ctx context.Context, key []byte, nonce []byte,
) (cgoCrypto.AEAD, error) {
	aead, err := c.crypto.GetAEAD(ctx, cgoCrypto.AEADTypeXChaCha20Poly1305)
	if err != nil {
		return nil, fmt.Errorf("unable to define AEAD client [%w]", err)
	}

	// Set the AEAD encryption key
	if len(key) != aead.ExpectedKeyLen() {
		return nil, fmt.Errorf("AEAD key length %d =/= %d", len(key), aead.ExpectedKeyLen())
	}
	keyBuffer, err := c.crypto.AllocateSecureCSlice(aead.ExpectedKeyLen())
	if err != nil {
		return nil, fmt.Errorf("failed to init AEAD key buffer [%w]", err)
	}
	keyBufferCore, err := keyBuffer.GetSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to access AEAD key buffer core [%w]", err)
	}
	if copied := copy(keyBufferCore, key); copied != aead.ExpectedKeyLen() {
		return nil, fmt.Errorf(
			"failed to fill AEAD key buffer core %d =/= %d", copied, aead.ExpectedKeyLen(),
		)
	}
	if err := aead.SetKey(keyBuffer); err != nil {
		return nil, fmt.Errorf("failed to install AEAD key [%w]", err)
	}

	// Set the AEAD nonce
	if len(nonce) != aead.ExpectedNonceLen() {
		return nil, fmt.Errorf("AEAD nonce length %d =/= %d", len(nonce), aead.ExpectedNonceLen())
	}
	nonceBuffer, err := c.crypto.AllocateSecureCSlice(aead.ExpectedNonceLen())
	if err != nil {
		return nil, fmt.Errorf("failed to init AEAD nonce buffer [%w]", err)
	}
	nonceBufferCore, err := nonceBuffer.GetSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to access AEAD nonce buffer core [%w]", err)
	}
	if copied := copy(nonceBufferCore, nonce); copied != aead.ExpectedNonceLen() {
		return nil, fmt.Errorf(
			"failed to fill AEAD nonce buffer core %d =/= %d", copied, aead.ExpectedNonceLen(),
		)
	}
	if err := aead.SetNonce(nonceBuffer); err != nil {
		return nil, fmt.Errorf("failed to install AEAD nonce [%w]", err)
	}

	return aead, nil
}

func (c *sodiumCipher) Seal(
	ctx context.Context, key, nonce, plainText []byte,
) ([]byte, []byte, error) {
	aead, err := c.setupAEAD(ctx, key, nonce)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup AEAD client [%w]", err)
	}

	sealed := make([]byte, aead.ExpectedCipherLen(int64(len(plainText))))
	if err := aead.Seal(ctx, 0, plainText, nil, sealed); err != nil {
		return nil, nil, fmt.Errorf("failed to encrypt plain text [%w]", err)
	}

	split := len(sealed) - aeadTagLen
	if split < 0 {
		return nil, nil, fmt.Errorf("sealed output shorter than tag: %d", len(sealed))
	}
	return sealed[:split], sealed[split:], nil
}

func (c *sodiumCipher) Open(
	ctx context.Context, key, nonce, cipherText, tag []byte,
) ([]byte, error) {
	if len(tag) != aeadTagLen {
		return nil, fmt.Errorf("tag length %d =/= %d", len(tag), aeadTagLen)
	}

	aead, err := c.setupAEAD(ctx, key, nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to setup AEAD client [%w]", err)
	}

	sealed := make([]byte, 0, len(cipherText)+len(tag))
	sealed = append(sealed, cipherText...)
	sealed = append(sealed, tag...)

	plainText := make([]byte, aead.ExpectedPlainTextLen(int64(len(sealed))))
	if err := aead.Unseal(ctx, 0, sealed, nil, plainText); err != nil {
		return nil, fmt.Errorf("failed to decrypt cipher text [%w]", err)
	}
	return plainText, nil
}
