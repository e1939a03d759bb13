package events_test

import (
	"context"
	"testing"

	"github.com/alwitt/enclave/events"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestLocalBus(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	uut := events.NewLocalBus()

	encrypted := []events.Event{}
	decrypted := []events.Event{}
	uut.Subscribe(events.EventTypeDataEncrypted, func(_ context.Context, event events.Event) {
		encrypted = append(encrypted, event)
	})
	uut.Subscribe(events.EventTypeDataDecrypted, func(_ context.Context, event events.Event) {
		decrypted = append(decrypted, event)
	})
	uut.Subscribe(events.EventTypeDataDecrypted, func(_ context.Context, _ events.Event) {
		panic("unit-test")
	})

	uut.Publish(utCtx, events.Event{Type: events.EventTypeDataEncrypted, TransactionID: "tx-1"})
	uut.Publish(utCtx, events.Event{Type: events.EventTypeDataDecrypted, TransactionID: "tx-2"})
	uut.Publish(utCtx, events.Event{Type: events.EventTypeDataDecrypted, TransactionID: "tx-3"})

	assert.Len(encrypted, 1)
	assert.Equal("tx-1", encrypted[0].TransactionID)
	assert.Len(decrypted, 2)
	assert.Equal("tx-3", decrypted[1].TransactionID)
}
