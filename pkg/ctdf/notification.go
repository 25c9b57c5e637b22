package ctdf

import "time"

type Notification struct {
	TargetUser string
	Type       NotificationType

	EventRef string

	Title   string
	Message string
}

type NotificationType string

const (
	NotificationTypePush NotificationType = "Push"
)

type NotificationReceipt struct {
	NotificationRef string
	UserID          string

	ReadAt time.Time
}

type UserPushNotificationTarget struct {
	UserID                string
	PushNotificationToken string

	StopRefs  []string
	RouteRefs []string
}

func (t *UserPushNotificationTarget) Interested(event Event) bool {
	if event.Scope == EventScopeBroadcast {
		return true
	}
	for _, stopRef := range t.StopRefs {
		if stopRef != "" && stopRef == event.StopRef {
			return true
		}
	}
	for _, routeRef := range t.RouteRefs {
		if routeRef != "" && routeRef == event.RouteRef {
			return true
		}
	}
	return false
}
