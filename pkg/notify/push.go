package notify

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sync"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/rs/zerolog/log"
	"github.com/travigo/schoolbus/pkg/apperrors"
	"github.com/travigo/schoolbus/pkg/ctdf"
	"github.com/travigo/schoolbus/pkg/database"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
	"google.golang.org/api/option"
)

// ErrTokenUnregistered means the device token is no longer valid and should be forgotten
var ErrTokenUnregistered = errors.New("push token unregistered")

// Sender delivers a single push notification to a device token
type Sender interface {
	Send(ctx context.Context, token string, notification ctdf.Notification) error
}

type FirebaseSender struct {
	client *messaging.Client
}

func NewFirebaseSender(ctx context.Context) (*FirebaseSender, error) {
	fireBaseAuthKey := os.Getenv("SCHOOLBUS_FIREBASE_SERVICE_ACCOUNT")
	if fireBaseAuthKey == "" {
		return nil, errors.New("SCHOOLBUS_FIREBASE_SERVICE_ACCOUNT not set")
	}

	decodedKey, err := base64.StdEncoding.DecodeString(fireBaseAuthKey)
	if err != nil {
		return nil, err
	}

	opts := []option.ClientOption{option.WithCredentialsJSON(decodedKey)}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, err
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, err
	}

	return &FirebaseSender{client: client}, nil
}

func (s *FirebaseSender) Send(ctx context.Context, token string, notification ctdf.Notification) error {
	_, err := s.client.Send(ctx, &messaging.Message{
		Notification: &messaging.Notification{
			Title: notification.Title,
			Body:  notification.Message,
		},
		Data: map[string]string{
			"event": notification.EventRef,
		},
		Token: token,
	})
	if messaging.IsUnregistered(err) || messaging.IsInvalidArgument(err) {
		return fmt.Errorf("%w: %v", ErrTokenUnregistered, err)
	} else if err != nil {
		return apperrors.Transport("firebase send", err)
	}

	log.Info().Str("target", notification.TargetUser).Str("event", notification.EventRef).Msg("Sent Push Notification")

	return nil
}

// TargetRepository finds the device registrations interested in an event
type TargetRepository interface {
	TargetsForEvent(ctx context.Context, event ctdf.Event) ([]ctdf.UserPushNotificationTarget, error)
	RemoveToken(ctx context.Context, token string) error
	Register(ctx context.Context, target ctdf.UserPushNotificationTarget) error
}

type MongoTargetRepository struct{}

func (MongoTargetRepository) TargetsForEvent(ctx context.Context, event ctdf.Event) ([]ctdf.UserPushNotificationTarget, error) {
	collection := database.GetCollection("user_push_notification_target")

	filter := bson.M{}
	if event.Scope != ctdf.EventScopeBroadcast {
		or := bson.A{}
		if event.StopRef != "" {
			or = append(or, bson.M{"stoprefs": event.StopRef})
		}
		if event.RouteRef != "" {
			or = append(or, bson.M{"routerefs": event.RouteRef})
		}
		if len(or) == 0 {
			return nil, nil
		}
		filter["$or"] = or
	}

	cursor, err := collection.Find(ctx, filter)
	if err != nil {
		return nil, apperrors.Storage("find", "user_push_notification_target", err)
	}

	var targets []ctdf.UserPushNotificationTarget
	if err := cursor.All(ctx, &targets); err != nil {
		return nil, apperrors.Storage("decode", "user_push_notification_target", err)
	}

	return targets, nil
}

func (MongoTargetRepository) RemoveToken(ctx context.Context, token string) error {
	_, err := database.GetCollection("user_push_notification_target").DeleteMany(ctx, bson.M{"pushnotificationtoken": token})
	if err != nil {
		return apperrors.Storage("delete", "user_push_notification_target", err)
	}
	return nil
}

// Register replaces the subscriptions held for the user's device token
func (MongoTargetRepository) Register(ctx context.Context, target ctdf.UserPushNotificationTarget) error {
	collection := database.GetCollection("user_push_notification_target")

	filter := bson.M{"userid": target.UserID, "pushnotificationtoken": target.PushNotificationToken}
	update := bson.M{"$set": target}
	opts := options.Update().SetUpsert(true)
	if _, err := collection.UpdateOne(ctx, filter, update, opts); err != nil {
		return apperrors.Storage("upsert", target.UserID, err)
	}
	return nil
}

// MemoryTargetRepository matches targets the same way as the mongo query
type MemoryTargetRepository struct {
	mu      sync.Mutex
	Targets []ctdf.UserPushNotificationTarget
	Removed []string
}

func (m *MemoryTargetRepository) TargetsForEvent(ctx context.Context, event ctdf.Event) ([]ctdf.UserPushNotificationTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var targets []ctdf.UserPushNotificationTarget
	for _, target := range m.Targets {
		if target.Interested(event) {
			targets = append(targets, target)
		}
	}
	return targets, nil
}

func (m *MemoryTargetRepository) RemoveToken(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Removed = append(m.Removed, token)

	filtered := m.Targets[:0]
	for _, target := range m.Targets {
		if target.PushNotificationToken != token {
			filtered = append(filtered, target)
		}
	}
	m.Targets = filtered
	return nil
}

func (m *MemoryTargetRepository) Register(ctx context.Context, target ctdf.UserPushNotificationTarget) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, existing := range m.Targets {
		if existing.UserID == target.UserID && existing.PushNotificationToken == target.PushNotificationToken {
			m.Targets[i] = target
			return nil
		}
	}
	m.Targets = append(m.Targets, target)
	return nil
}
