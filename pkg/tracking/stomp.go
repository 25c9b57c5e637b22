package tracking

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-stomp/stomp/v3"
	"github.com/rs/zerolog/log"
	"github.com/travigo/schoolbus/pkg/apperrors"
	"github.com/travigo/schoolbus/pkg/vehiclelocation"
)

// StompFeed reads GTFS-RT VehiclePositions messages from a STOMP destination, as published
// by fleet AVL brokers. Message bodies may be gzip compressed.
type StompFeed struct {
	Address     string
	Username    string
	Password    string
	Destination string
}

// Run reconnects with backoff until ctx ends
func (s *StompFeed) Run(ctx context.Context, sink PositionSink) {
	retryBackoff := backoff.NewExponentialBackOff()
	retryBackoff.MaxInterval = time.Minute
	retryBackoff.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		err := s.consume(ctx, sink)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, backoff.WithContext(retryBackoff, ctx), func(err error, wait time.Duration) {
		log.Error().Err(err).Str("destination", s.Destination).Msgf("STOMP feed failed, reconnecting in %s", wait)
	})
	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Str("destination", s.Destination).Msg("STOMP feed stopped")
	}
}

func (s *StompFeed) consume(ctx context.Context, sink PositionSink) error {
	stompOptions := []func(*stomp.Conn) error{
		stomp.ConnOpt.Login(s.Username, s.Password),
		stomp.ConnOpt.HeartBeat(30*time.Second, 30*time.Second),
	}
	conn, err := stomp.Dial("tcp", s.Address, stompOptions...)
	if err != nil {
		return apperrors.Transport("stomp connect", err)
	}
	defer conn.Disconnect()

	sub, err := conn.Subscribe(s.Destination, stomp.AckClientIndividual)
	if err != nil {
		return apperrors.Transport("stomp subscribe "+s.Destination, err)
	}

	log.Info().Str("address", s.Address).Str("destination", s.Destination).Msg("Subscribed to STOMP feed")

	for {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			return nil
		case msg, ok := <-sub.C:
			if !ok {
				return apperrors.Transport("stomp receive", io.ErrUnexpectedEOF)
			}
			if msg.Err != nil {
				return apperrors.Transport("stomp receive", msg.Err)
			}

			updates, err := decodeFeedMessage(msg.Body)
			if err != nil {
				log.Error().Err(err).Str("destination", s.Destination).Msg("Dropping undecodable STOMP message")
				conn.Ack(msg)
				continue
			}

			if err := sink(ctx, updates); err != nil {
				log.Error().Err(err).Int("positions", len(updates)).Msg("Failed to hand over STOMP positions")
				conn.Nack(msg)
				continue
			}
			conn.Ack(msg)
		}
	}
}

var gzipMagic = []byte{0x1f, 0x8b}

func decodeFeedMessage(body []byte) ([]vehiclelocation.PositionUpdate, error) {
	if bytes.HasPrefix(body, gzipMagic) {
		gzipDecoder, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, apperrors.InvalidInput("decode gzip stream: %v", err)
		}
		defer gzipDecoder.Close()

		body, err = io.ReadAll(gzipDecoder)
		if err != nil {
			return nil, apperrors.InvalidInput("decode gzip stream: %v", err)
		}
	}

	return DecodeVehiclePositions(body)
}
