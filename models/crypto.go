// Package models - system data models
package models

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// EncryptionKeyStateENUMType encryption state enum type
type EncryptionKeyStateENUMType string

const (
	// EncryptionKeyStateActive the encryption key is the user's current key
	EncryptionKeyStateActive EncryptionKeyStateENUMType = "ACTIVE"
	// EncryptionKeyStateRotated the encryption key was replaced by a newer key
	EncryptionKeyStateRotated EncryptionKeyStateENUMType = "ROTATED"
	// EncryptionKeyStateRevoked the encryption key was revoked. This is terminal.
	EncryptionKeyStateRevoked EncryptionKeyStateENUMType = "REVOKED"
	// EncryptionKeyStateExpired the encryption key passed its expiration time
	EncryptionKeyStateExpired EncryptionKeyStateENUMType = "EXPIRED"
	// EncryptionKeyStateRestored the encryption key was superseded by a restore from backup
	EncryptionKeyStateRestored EncryptionKeyStateENUMType = "RESTORED"
)

// CipherAlgorithmENUMType symmetric AEAD cipher algorithm ENUM
type CipherAlgorithmENUMType string

const (
	// CipherAlgorithmAES256GCM AES-256 in GCM mode
	CipherAlgorithmAES256GCM CipherAlgorithmENUMType = "aes-256-gcm"
	// CipherAlgorithmAES128GCM AES-128 in GCM mode
	CipherAlgorithmAES128GCM CipherAlgorithmENUMType = "aes-128-gcm"
	// CipherAlgorithmChaCha20Poly1305 IETF ChaCha20-Poly1305
	CipherAlgorithmChaCha20Poly1305 CipherAlgorithmENUMType = "chacha20-poly1305"
	// CipherAlgorithmXChaCha20Poly1305 XChaCha20-Poly1305 (libsodium)
	CipherAlgorithmXChaCha20Poly1305 CipherAlgorithmENUMType = "xchacha20-poly1305"
)

// IsKnown whether the algorithm is one of the supported ciphers
func (a CipherAlgorithmENUMType) IsKnown() bool {
	switch a {
	case CipherAlgorithmAES256GCM,
		CipherAlgorithmAES128GCM,
		CipherAlgorithmChaCha20Poly1305,
		CipherAlgorithmXChaCha20Poly1305:
		return true
	}
	return false
}

// EncryptionKey a per-user symmetric encryption key
//
// The key material columns are sealed with the system key-wrapping secret. When the
// user key is password protected, the user key is additionally wrapped with a PBKDF2
// derived key before sealing.
type EncryptionKey struct {
	// ID key ID
	ID string `json:"id" gorm:"column:id;primaryKey;unique" validate:"required,uuid_rfc4122"`

	// UserID the owning user. At most one ACTIVE key per user.
	UserID int64 `json:"user_id" gorm:"column:user_id;not null;index;uniqueIndex:idx_encryption_keys_one_active,where:state = 'ACTIVE'" validate:"required"`

	// EncMasterKey the sealed master key
	EncMasterKey []byte `json:"-" gorm:"column:enc_master_key;not null" validate:"required"`
	// EncUserKey the sealed (and possibly password wrapped) user key
	EncUserKey []byte `json:"-" gorm:"column:enc_user_key;not null" validate:"required"`

	// PasswordProtected whether the user key is wrapped with a password derived key
	PasswordProtected bool `json:"password_protected" gorm:"column:password_protected;not null;default:false"`
	// KDFSalt PBKDF2 salt for password protected keys
	KDFSalt []byte `json:"-" gorm:"column:kdf_salt;default:null"`
	// KDFIterations PBKDF2 iteration count for password protected keys
	KDFIterations int `json:"kdf_iterations,omitempty" gorm:"column:kdf_iterations;default:0"`

	// Algorithm the cipher the key is meant for
	Algorithm CipherAlgorithmENUMType `json:"algorithm" gorm:"column:algorithm;not null" validate:"required,cipher_algorithm"`
	// KeyLength user key length in bytes
	KeyLength int `json:"key_length" gorm:"column:key_length;not null" validate:"gte=16,lte=64"`

	// State the encryption key state
	State EncryptionKeyStateENUMType `json:"state" gorm:"column:state;not null;index" validate:"required,enc_key_state"`

	// ExpiresAt when the key should be rotated
	ExpiresAt time.Time `json:"expires_at" gorm:"column:expires_at;not null;index"`
	// RotatedAt when the key was rotated
	RotatedAt *time.Time `json:"rotated_at,omitempty" gorm:"column:rotated_at;default:null"`
	// RevokedAt when the key was revoked
	RevokedAt *time.Time `json:"revoked_at,omitempty" gorm:"column:revoked_at;default:null"`

	// Metadata key metadata
	Metadata datatypes.JSONMap `json:"metadata,omitempty" gorm:"column:metadata;default:null"`

	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"updated_at"`
}

// IsExpired whether the key has passed its expiration time
func (e *EncryptionKey) IsExpired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// ValidateNextState verify can transition to new state
func (e *EncryptionKey) ValidateNextState(newState EncryptionKeyStateENUMType) error {
	statesWithTransitions := map[EncryptionKeyStateENUMType]map[EncryptionKeyStateENUMType]bool{
		EncryptionKeyStateActive: {
			EncryptionKeyStateActive:   true,
			EncryptionKeyStateRotated:  true,
			EncryptionKeyStateExpired:  true,
			EncryptionKeyStateRevoked:  true,
			EncryptionKeyStateRestored: true,
		},
		EncryptionKeyStateRotated: {
			EncryptionKeyStateRotated: true,
			EncryptionKeyStateRevoked: true,
		},
		EncryptionKeyStateExpired: {
			EncryptionKeyStateExpired: true,
			EncryptionKeyStateRevoked: true,
		},
		EncryptionKeyStateRestored: {
			EncryptionKeyStateRestored: true,
			EncryptionKeyStateRevoked:  true,
		},
		EncryptionKeyStateRevoked: {
			EncryptionKeyStateRevoked: true,
		},
	}

	availableNextStates, ok := statesWithTransitions[e.State]
	if !ok {
		return fmt.Errorf("encryption key can't transition out of state '%s'", e.State)
	}

	if _, ok := availableNextStates[newState]; !ok {
		return fmt.Errorf("encryption key can't transition from '%s' to '%s'", e.State, newState)
	}

	return nil
}

// KeyPair decrypted master and user key material of one key entry
type KeyPair struct {
	// KeyID the key entry the material belongs to
	KeyID string
	// MasterKey decrypted master key
	MasterKey []byte
	// UserKey decrypted user key
	UserKey []byte
}
