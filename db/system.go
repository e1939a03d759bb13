package db

import (
	"context"
	"fmt"

	"github.com/alwitt/enclave/models"
)

// GlobalSystemParamEntryID ID of the singleton system parameter entry
const GlobalSystemParamEntryID = "system-parameters"

// getSystemParamEntry fetch the system param entry
//
// If the entry does not exist, initialize a new one.
func (d *databaseImpl) getSystemParamEntry() (SystemParamsDBEntry, error) {
	var entries []SystemParamsDBEntry
	dbErr := d.db.Where("id = ?", GlobalSystemParamEntryID).Find(&entries).Error
	if dbErr != nil {
		return SystemParamsDBEntry{}, fmt.Errorf("failed to read system params table [%w]", dbErr)
	}
	if len(entries) == 0 {
		// Make a new one
		newEntry := SystemParamsDBEntry{
			SystemParams: models.SystemParams{
				ID:    GlobalSystemParamEntryID,
				State: models.SystemStatePreInit,
			},
		}
		if dbErr = d.db.Create(&newEntry).Error; dbErr != nil {
			return SystemParamsDBEntry{}, fmt.Errorf(
				"failed to setup singleton system params table [%w]", dbErr,
			)
		}
		return newEntry, nil
	}
	return entries[0], nil
}

/*
GetSystemParamEntry fetch the global singleton system parameter entry

	@param ctx context.Context - execution context
	@returns the entry
*/
func (d *databaseImpl) GetSystemParamEntry(_ context.Context) (models.SystemParams, error) {
	entry, err := d.getSystemParamEntry()
	if err != nil {
		return entry.SystemParams, fmt.Errorf("unable to fetch system parameter entry [%w]", err)
	}
	return entry.SystemParams, nil
}

/*
MarkSystemInitialized bind the database to a wrapping key

	@param ctx context.Context - execution context
	@param wrappingKeyCheck []byte - known token sealed with the wrapping key
*/
func (d *databaseImpl) MarkSystemInitialized(ctx context.Context, wrappingKeyCheck []byte) error {
	entry, err := d.getSystemParamEntry()
	if err != nil {
		return fmt.Errorf("unable to fetch system parameter entry [%w]", err)
	}

	if entry.State == models.SystemStateRunning {
		return fmt.Errorf("system is already bound to a wrapping key")
	}

	if err := entry.ValidateNextState(models.SystemStateRunning); err != nil {
		return fmt.Errorf("system state change to %s not allowed [%w]", models.SystemStateRunning, err)
	}
	if len(wrappingKeyCheck) == 0 {
		return fmt.Errorf("no wrapping key check token provided")
	}

	entry.State = models.SystemStateRunning
	entry.WrappingKeyCheck = wrappingKeyCheck
	if tmp := d.db.Updates(&entry); tmp.Error != nil {
		return fmt.Errorf("system state change update failed [%w]", tmp.Error)
	}

	if _, err := d.defineNewAuditEvent(ctx, models.AuditEventTypeSystemInitialized, 0, nil); err != nil {
		return fmt.Errorf("failed to log system state change audit event [%w]", err)
	}

	return nil
}
