package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/travigo/schoolbus/pkg/elastic_client"
)

type ArchivedEvent struct {
	Timestamp time.Time

	Identifier   string
	Type         string
	Scope        string
	Message      string
	StopRef      string
	RouteRef     string
	VehicleRef   string
	TripRef      string
	DelayMinutes int
	Origin       string
}

// IndexFunc matches elastic_client.IndexRequest
type IndexFunc func(indexName string, document io.ReadSeeker)

func archiveIndexName(timestamp time.Time) string {
	yearNumber, weekNumber := timestamp.ISOWeek()
	return fmt.Sprintf("schoolbus-events-%d-%d", yearNumber, weekNumber)
}

// Archive writes every event delivered to the subscription into a weekly Elasticsearch index
func Archive(ctx context.Context, subscription *Subscription, index IndexFunc) {
	defer subscription.Close()

	if index == nil {
		index = elastic_client.IndexRequest
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-subscription.C():
			if !ok {
				return
			}

			document, err := json.Marshal(ArchivedEvent{
				Timestamp:    event.CreationDateTime,
				Identifier:   event.PrimaryIdentifier,
				Type:         string(event.Type),
				Scope:        string(event.Scope),
				Message:      event.Message,
				StopRef:      event.StopRef,
				RouteRef:     event.RouteRef,
				VehicleRef:   event.VehicleRef,
				TripRef:      event.TripRef,
				DelayMinutes: event.DelayMinutes,
				Origin:       event.Origin,
			})
			if err != nil {
				log.Error().Err(err).Str("event", event.PrimaryIdentifier).Msg("Failed to encode archived event")
				continue
			}

			index(archiveIndexName(event.CreationDateTime), bytes.NewReader(document))
		}
	}
}
