package db

import (
	"context"

	"gorm.io/gorm"
)

// DefineTables prepare a database with the system tables
//
// Unit tests call this directly; production paths go through Client.Migrate.
func DefineTables(_ context.Context, db *gorm.DB) error {
	return db.AutoMigrate(
		SystemParamsDBEntry{},
		AuditEventDBEntry{},
		EncryptionKeyDBEntry{},
		EncryptionTransactionDBEntry{},
	)
}
