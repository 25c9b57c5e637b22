package notify

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/travigo/schoolbus/pkg/apperrors"
	"github.com/travigo/schoolbus/pkg/ctdf"
	"github.com/travigo/schoolbus/pkg/database"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type InboxQuery struct {
	StopRefs  []string
	RouteRefs []string
	Since     time.Time
	Limit     int
}

func (q InboxQuery) limit() int {
	if q.Limit <= 0 || q.Limit > 200 {
		return 50
	}
	return q.Limit
}

func (q InboxQuery) matches(event *ctdf.Event) bool {
	if !q.Since.IsZero() && event.CreationDateTime.Before(q.Since) {
		return false
	}
	if len(q.StopRefs) == 0 && len(q.RouteRefs) == 0 {
		return true
	}
	if event.Scope == ctdf.EventScopeBroadcast {
		return true
	}
	for _, stopRef := range q.StopRefs {
		if event.StopRef == stopRef {
			return true
		}
	}
	for _, routeRef := range q.RouteRefs {
		if event.RouteRef == routeRef {
			return true
		}
	}
	return false
}

// Inbox persists delivered events and tracks per recipient read receipts
type Inbox interface {
	Save(ctx context.Context, event ctdf.Event) error
	List(ctx context.Context, userID string, query InboxQuery) ([]ctdf.Event, error)
	MarkRead(ctx context.Context, userID string, notificationID string) error
}

type MongoInbox struct{}

func (MongoInbox) Save(ctx context.Context, event ctdf.Event) error {
	collection := database.GetCollection("notifications")

	_, err := collection.UpdateOne(ctx,
		bson.M{"primaryidentifier": event.PrimaryIdentifier},
		bson.M{"$setOnInsert": event},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return apperrors.Storage("upsert", event.PrimaryIdentifier, err)
	}
	return nil
}

func (MongoInbox) List(ctx context.Context, userID string, query InboxQuery) ([]ctdf.Event, error) {
	collection := database.GetCollection("notifications")

	filter := bson.M{}
	if len(query.StopRefs) > 0 || len(query.RouteRefs) > 0 {
		filter["$or"] = bson.A{
			bson.M{"scope": ctdf.EventScopeBroadcast},
			bson.M{"stopref": bson.M{"$in": query.StopRefs}},
			bson.M{"routeref": bson.M{"$in": query.RouteRefs}},
		}
	}
	if !query.Since.IsZero() {
		filter["creationdatetime"] = bson.M{"$gte": query.Since}
	}

	opts := options.Find().SetSort(bson.D{{Key: "creationdatetime", Value: -1}}).SetLimit(int64(query.limit()))
	cursor, err := collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, apperrors.Storage("find", "notifications", err)
	}

	events := []ctdf.Event{}
	if err := cursor.All(ctx, &events); err != nil {
		return nil, apperrors.Storage("decode", "notifications", err)
	}

	if len(events) == 0 || userID == "" {
		return events, nil
	}

	identifiers := make([]string, 0, len(events))
	for _, event := range events {
		identifiers = append(identifiers, event.PrimaryIdentifier)
	}

	receiptCursor, err := database.GetCollection("notification_receipts").Find(ctx, bson.M{
		"userid":          userID,
		"notificationref": bson.M{"$in": identifiers},
	})
	if err != nil {
		return nil, apperrors.Storage("find", "notification_receipts", err)
	}
	var receipts []ctdf.NotificationReceipt
	if err := receiptCursor.All(ctx, &receipts); err != nil {
		return nil, apperrors.Storage("decode", "notification_receipts", err)
	}

	read := map[string]bool{}
	for _, receipt := range receipts {
		read[receipt.NotificationRef] = true
	}
	for i := range events {
		events[i].Read = read[events[i].PrimaryIdentifier]
	}

	return events, nil
}

func (MongoInbox) MarkRead(ctx context.Context, userID string, notificationID string) error {
	err := database.GetCollection("notifications").FindOne(ctx, bson.M{"primaryidentifier": notificationID}).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return apperrors.NotFound("notification %s", notificationID)
	} else if err != nil {
		return apperrors.Storage("find", notificationID, err)
	}

	_, err = database.GetCollection("notification_receipts").UpdateOne(ctx,
		bson.M{"notificationref": notificationID, "userid": userID},
		bson.M{"$setOnInsert": ctdf.NotificationReceipt{
			NotificationRef: notificationID,
			UserID:          userID,
			ReadAt:          time.Now(),
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return apperrors.Storage("upsert", notificationID, err)
	}

	return nil
}

type MemoryInbox struct {
	mu       sync.Mutex
	events   map[string]ctdf.Event
	receipts map[string]map[string]time.Time
}

func NewMemoryInbox() *MemoryInbox {
	return &MemoryInbox{
		events:   map[string]ctdf.Event{},
		receipts: map[string]map[string]time.Time{},
	}
}

func (m *MemoryInbox) Save(ctx context.Context, event ctdf.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.events[event.PrimaryIdentifier]; !exists {
		event.Read = false
		m.events[event.PrimaryIdentifier] = event
	}
	return nil
}

func (m *MemoryInbox) List(ctx context.Context, userID string, query InboxQuery) ([]ctdf.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := []ctdf.Event{}
	for _, event := range m.events {
		if query.matches(&event) {
			_, event.Read = m.receipts[event.PrimaryIdentifier][userID]
			events = append(events, event)
		}
	}

	sort.Slice(events, func(a, b int) bool {
		return events[a].CreationDateTime.After(events[b].CreationDateTime)
	})
	if len(events) > query.limit() {
		events = events[:query.limit()]
	}

	return events, nil
}

func (m *MemoryInbox) MarkRead(ctx context.Context, userID string, notificationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.events[notificationID]; !exists {
		return apperrors.NotFound("notification %s", notificationID)
	}
	if m.receipts[notificationID] == nil {
		m.receipts[notificationID] = map[string]time.Time{}
	}
	if _, read := m.receipts[notificationID][userID]; !read {
		m.receipts[notificationID][userID] = time.Now()
	}
	return nil
}

// Persist stores every event delivered to the subscription until it closes or ctx ends
func Persist(ctx context.Context, subscription *Subscription, inbox Inbox) {
	defer subscription.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-subscription.C():
			if !ok {
				return
			}
			if err := inbox.Save(ctx, event); err != nil {
				log.Error().Err(err).Str("event", event.PrimaryIdentifier).Msg("Failed to persist event")
			}
		}
	}
}
