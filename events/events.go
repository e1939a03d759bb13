// Package events - domain events emitted by the encryption service
package events

import (
	"context"
	"sync"
	"time"

	"github.com/alwitt/enclave/models"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// EventTypeENUMType domain event type ENUM
type EventTypeENUMType string

const (
	// EventTypeDataEncrypted data was encrypted
	EventTypeDataEncrypted EventTypeENUMType = "DataEncrypted"
	// EventTypeDataDecrypted data was decrypted
	EventTypeDataDecrypted EventTypeENUMType = "DataDecrypted"
)

// Event a domain event. It never carries key material or plain text.
type Event struct {
	// Type event type
	Type EventTypeENUMType `json:"type"`
	// UserID the user
	UserID int64 `json:"user_id"`
	// TransactionID the transaction
	TransactionID string `json:"transaction_id"`
	// KeyID the key used
	KeyID string `json:"key_id"`
	// Algorithm the cipher used
	Algorithm models.CipherAlgorithmENUMType `json:"algorithm"`
	// DataLen length of the processed input
	DataLen int `json:"data_len"`
	// Timestamp when the event happened
	Timestamp time.Time `json:"timestamp"`
	// Caller the caller provenance
	Caller models.RequestContext `json:"caller"`
}

// Handler domain event handler
type Handler func(ctx context.Context, event Event)

// Publisher domain event sink
type Publisher interface {
	/*
		Publish emit an event

			@param ctx context.Context - execution context
			@param event Event - the event
	*/
	Publish(ctx context.Context, event Event)
}

// LocalBus in-process Publisher fanning events out to subscribers synchronously
type LocalBus struct {
	goutils.Component
	lock     sync.RWMutex
	handlers map[EventTypeENUMType][]Handler
}

// NewLocalBus define a new in-process event bus
func NewLocalBus() *LocalBus {
	logTags := log.Fields{"module": "events", "component": "local-bus"}
	return &LocalBus{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		handlers: map[EventTypeENUMType][]Handler{},
	}
}

/*
Subscribe register a handler for an event type

	@param eventType EventTypeENUMType - event type
	@param handler Handler - the handler
*/
func (b *LocalBus) Subscribe(eventType EventTypeENUMType, handler Handler) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish emit an event
func (b *LocalBus) Publish(ctx context.Context, event Event) {
	b.lock.RLock()
	handlers := append([]Handler{}, b.handlers[event.Type]...)
	b.lock.RUnlock()

	logTags := log.Fields{}
	for k, v := range b.LogTags {
		logTags[k] = v
	}
	for k, v := range event.Caller.LogFields() {
		logTags[k] = v
	}
	log.WithFields(logTags).
		WithField("event", event.Type).
		WithField("txn_id", event.TransactionID).
		WithField("subscribers", len(handlers)).
		Debug("Publishing domain event")

	for _, handler := range handlers {
		b.dispatch(ctx, handler, event)
	}
}

// dispatch call one handler, containing any panic it raises
func (b *LocalBus) dispatch(ctx context.Context, handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(b.LogTags).
				WithField("event", event.Type).
				Errorf("Event handler panicked: %v", r)
		}
	}()
	handler(ctx, event)
}
