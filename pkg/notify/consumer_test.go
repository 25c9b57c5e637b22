package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/adjust/rmq/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/travigo/schoolbus/pkg/ctdf"
)

type fakeSender struct {
	mu     sync.Mutex
	sent   map[string]ctdf.Notification
	errors map[string]error
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: map[string]ctdf.Notification{}, errors: map[string]error{}}
}

func (s *fakeSender) Send(ctx context.Context, token string, notification ctdf.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.errors[token]; err != nil {
		return err
	}
	s.sent[token] = notification
	return nil
}

func testDelivery(t *testing.T, event ctdf.Event) *rmq.TestDelivery {
	t.Helper()

	payload, err := json.Marshal(event)
	require.NoError(t, err)
	return rmq.NewTestDeliveryString(string(payload))
}

func testTargets() *MemoryTargetRepository {
	return &MemoryTargetRepository{
		Targets: []ctdf.UserPushNotificationTarget{
			{UserID: "parent-1", PushNotificationToken: "token-1", StopRefs: []string{"S1"}},
			{UserID: "parent-2", PushNotificationToken: "token-2", RouteRefs: []string{"R1"}},
			{UserID: "parent-3", PushNotificationToken: "token-3", StopRefs: []string{"S9"}},
		},
	}
}

func TestNotifyConsumerSendsToInterestedTargets(t *testing.T) {
	sender := newFakeSender()
	consumer := NewNotifyBatchConsumer(sender, testTargets())

	delivery := testDelivery(t, ctdf.Event{
		PrimaryIdentifier: "event-1",
		Type:              ctdf.EventTypeArrival,
		Scope:             ctdf.EventScopeStop,
		StopRef:           "S1",
		RouteRef:          "R1",
	})
	consumer.Consume(rmq.Deliveries{delivery})

	assert.Equal(t, rmq.Acked, delivery.State)
	assert.Len(t, sender.sent, 2)
	assert.Equal(t, "Bus arrived", sender.sent["token-1"].Title)
	assert.Equal(t, "event-1", sender.sent["token-2"].EventRef)
	assert.Equal(t, "parent-2", sender.sent["token-2"].TargetUser)
}

func TestNotifyConsumerRejectsOnTransportFailure(t *testing.T) {
	sender := newFakeSender()
	sender.errors["token-1"] = errors.New("connection reset")
	consumer := NewNotifyBatchConsumer(sender, testTargets())

	failing := testDelivery(t, ctdf.Event{Type: ctdf.EventTypeDelay, Scope: ctdf.EventScopeStop, StopRef: "S1", DelayMinutes: 7})
	succeeding := testDelivery(t, ctdf.Event{Type: ctdf.EventTypeDelay, Scope: ctdf.EventScopeStop, StopRef: "S9", DelayMinutes: 7})
	consumer.Consume(rmq.Deliveries{failing, succeeding})

	assert.Equal(t, rmq.Rejected, failing.State)
	assert.Equal(t, rmq.Acked, succeeding.State)
	assert.Equal(t, "The bus is running 7 minutes late", sender.sent["token-3"].Message)
}

func TestNotifyConsumerRemovesUnregisteredTokens(t *testing.T) {
	sender := newFakeSender()
	sender.errors["token-1"] = ErrTokenUnregistered
	targets := testTargets()
	consumer := NewNotifyBatchConsumer(sender, targets)

	delivery := testDelivery(t, ctdf.Event{Type: ctdf.EventTypeDeparture, Scope: ctdf.EventScopeStop, StopRef: "S1"})
	consumer.Consume(rmq.Deliveries{delivery})

	assert.Equal(t, rmq.Acked, delivery.State)
	assert.Equal(t, []string{"token-1"}, targets.Removed)
	assert.Len(t, targets.Targets, 2)
}

func TestNotifyConsumerSkipsNonPushableAndMalformed(t *testing.T) {
	sender := newFakeSender()
	consumer := NewNotifyBatchConsumer(sender, testTargets())

	system := testDelivery(t, ctdf.Event{Type: ctdf.EventTypeSystem, Scope: ctdf.EventScopeBroadcast})
	malformed := rmq.NewTestDeliveryString("{not json")
	consumer.Consume(rmq.Deliveries{system, malformed})

	assert.Equal(t, rmq.Acked, system.State)
	assert.Equal(t, rmq.Acked, malformed.State)
	assert.Empty(t, sender.sent)
}

func TestNotifyConsumerBroadcastReachesEveryone(t *testing.T) {
	sender := newFakeSender()
	consumer := NewNotifyBatchConsumer(sender, testTargets())

	delivery := testDelivery(t, ctdf.Event{Type: ctdf.EventTypeTripStarted, Scope: ctdf.EventScopeBroadcast})
	consumer.Consume(rmq.Deliveries{delivery})

	assert.Len(t, sender.sent, 3)
}
