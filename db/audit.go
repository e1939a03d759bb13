package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alwitt/enclave/models"
	"github.com/oklog/ulid/v2"
	"gorm.io/datatypes"
)

// defineNewAuditEvent record a new audit event, stamped with the caller provenance
func (d *databaseImpl) defineNewAuditEvent(
	ctx context.Context,
	eventType models.AuditEventTypeENUMType,
	userID int64,
	metadata interface{},
) (models.AuditEvent, error) {
	reqCtx := models.GetRequestContext(ctx)

	newEntry := AuditEventDBEntry{
		AuditEvent: models.AuditEvent{
			ID:        ulid.Make().String(),
			EventType: eventType,
			UserID:    userID,
			Actor:     reqCtx.Actor,
			IPAddress: reqCtx.IPAddress,
			UserAgent: reqCtx.UserAgent,
			RequestID: reqCtx.RequestID,
		},
	}

	if metadata != nil {
		if err := d.validator.Struct(metadata); err != nil {
			return models.AuditEvent{}, fmt.Errorf(
				"new audit event '%s' metadata entry is not valid [%w]", eventType, err,
			)
		}

		metadataStr, err := json.Marshal(&metadata)
		if err != nil {
			return models.AuditEvent{}, fmt.Errorf(
				"new audit event '%s' metadata serialization failed [%w]", eventType, err,
			)
		}
		newEntry.Metadata = datatypes.JSON(metadataStr)
	}

	if err := d.validator.Struct(&newEntry); err != nil {
		return models.AuditEvent{}, fmt.Errorf(
			"new audit event '%s' entry is not valid [%w]", eventType, err,
		)
	}

	if tmp := d.db.Create(&newEntry); tmp.Error != nil {
		return models.AuditEvent{}, fmt.Errorf(
			"new audit event '%s' insert failed [%w]", eventType, tmp.Error,
		)
	}

	return newEntry.AuditEvent, nil
}

/*
RecordAuditEvent record an audit event

	@param ctx context.Context - execution context
	@param eventType models.AuditEventTypeENUMType - event type
	@param userID int64 - the user the event relates to
	@param metadata interface{} - event metadata
	@returns the event entry
*/
func (d *databaseImpl) RecordAuditEvent(
	ctx context.Context,
	eventType models.AuditEventTypeENUMType,
	userID int64,
	metadata interface{},
) (models.AuditEvent, error) {
	return d.defineNewAuditEvent(ctx, eventType, userID, metadata)
}

/*
ListAuditEvents list captured audit events

	@param ctx context.Context - execution context
	@param filters AuditEventQueryFilter - entry listing filter
	@return list of audit events
*/
func (d *databaseImpl) ListAuditEvents(
	_ context.Context, filters AuditEventQueryFilter,
) ([]models.AuditEvent, error) {
	query := d.db.Model(&AuditEventDBEntry{})

	if len(filters.EventTypes) > 0 {
		query = query.Where("type in ?", filters.EventTypes)
	}

	if filters.TargetUserID != nil {
		query = query.Where("user_id = ?", *filters.TargetUserID)
	}

	if filters.EventsAfter != nil {
		query = query.Where("created_at >= ?", *filters.EventsAfter)
	}
	if filters.EventsBefore != nil {
		query = query.Where("created_at <= ?", *filters.EventsBefore)
	}

	query = applyPaging(query, filters.CommonListEntryQueryFilter)

	// ULIDs sort by creation time, breaking ties between events in the same instant
	query = query.Order("created_at").Order("id")

	var entries []AuditEventDBEntry
	if tmp := query.Find(&entries); tmp.Error != nil {
		return nil, fmt.Errorf("failed to list captured audit events [%w]", tmp.Error)
	}

	result := []models.AuditEvent{}
	for _, entry := range entries {
		result = append(result, entry.AuditEvent)
	}

	return result, nil
}
