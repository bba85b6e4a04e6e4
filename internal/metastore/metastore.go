// Package metastore implements the Metadata Adapter: durable storage
// for Subscription definitions, backed by a NATS JetStream key-value
// bucket. Connection lifecycle (connect handlers, reconnect logging)
// follows the teacher's pkg/nats.Client, generalized here from
// pub/sub delivery to a KV store.
package metastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hstreamdb/hstream/internal/subscription"
	"github.com/hstreamdb/hstream/internal/subserr"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// MetadataStore persists Subscription definitions and enumerates them.
type MetadataStore interface {
	Put(ctx context.Context, id string, sub subscription.Subscription) error
	Get(ctx context.Context, id string) (subscription.Subscription, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]subscription.Subscription, error)
	Exists(ctx context.Context, id string) (bool, error)
}

// Config configures the NATS connection and bucket used for storage.
type Config struct {
	URL             string
	Bucket          string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
}

// Store is a MetadataStore backed by a JetStream KV bucket.
type Store struct {
	conn   *nats.Conn
	kv     nats.KeyValue
	logger zerolog.Logger
}

// NewStore connects to NATS and binds (creating if absent) the
// configured KV bucket.
func NewStore(cfg Config, logger zerolog.Logger) (*Store, error) {
	s := &Store{logger: logger}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.ConnectHandler(s.connectHandler),
		nats.DisconnectErrHandler(s.disconnectHandler),
		nats.ReconnectHandler(s.reconnectHandler),
		nats.ErrorHandler(s.errorHandler),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	s.conn = conn

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("init jetstream context: %w", err)
	}

	kv, err := js.KeyValue(cfg.Bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: cfg.Bucket})
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("bind bucket %s: %w", cfg.Bucket, err)
	}
	s.kv = kv

	return s, nil
}

func (s *Store) connectHandler(conn *nats.Conn) {
	s.logger.Info().Str("url", conn.ConnectedUrl()).Msg("connected to metadata store")
}

func (s *Store) disconnectHandler(conn *nats.Conn, err error) {
	if err != nil {
		s.logger.Warn().Err(err).Msg("disconnected from metadata store")
		return
	}
	s.logger.Warn().Msg("disconnected from metadata store")
}

func (s *Store) reconnectHandler(conn *nats.Conn) {
	s.logger.Info().Str("url", conn.ConnectedUrl()).Msg("reconnected to metadata store")
}

func (s *Store) errorHandler(conn *nats.Conn, sub *nats.Subscription, err error) {
	s.logger.Error().Err(err).Msg("metadata store connection error")
}

// Close releases the underlying NATS connection.
func (s *Store) Close() {
	s.conn.Close()
}

// Put persists sub under id. A pre-existing revision reported by the
// KV's Create call maps to subserr.AlreadyExists.
func (s *Store) Put(ctx context.Context, id string, sub subscription.Subscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return subserr.Internal("failed to encode subscription")
	}
	if _, err := s.kv.Create(id, data); err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return subserr.AlreadyExists(fmt.Sprintf("subscription %s already exists", id))
		}
		return subserr.Wrap(subserr.CodeInternal, "failed to persist subscription", err)
	}
	return nil
}

// Get loads the Subscription stored under id. An absent key maps to
// subserr.NotFound.
func (s *Store) Get(ctx context.Context, id string) (subscription.Subscription, error) {
	entry, err := s.kv.Get(id)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return subscription.Subscription{}, subserr.NotFound(fmt.Sprintf("subscription %s not found", id))
	}
	if err != nil {
		return subscription.Subscription{}, subserr.Wrap(subserr.CodeInternal, "failed to load subscription", err)
	}

	var sub subscription.Subscription
	if err := json.Unmarshal(entry.Value(), &sub); err != nil {
		return subscription.Subscription{}, subserr.Internal("failed to decode subscription")
	}
	return sub, nil
}

// Delete removes the persisted Subscription. Deleting an absent key is
// not an error: the registry's delete path treats this idempotently.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.kv.Delete(id); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return subserr.Wrap(subserr.CodeInternal, "failed to delete subscription", err)
	}
	return nil
}

// List returns every persisted Subscription.
func (s *Store) List(ctx context.Context) ([]subscription.Subscription, error) {
	keys, err := s.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, subserr.Wrap(subserr.CodeInternal, "failed to list subscriptions", err)
	}

	subs := make([]subscription.Subscription, 0, len(keys))
	for _, k := range keys {
		sub, err := s.Get(context.Background(), k)
		if err != nil {
			continue
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// Exists reports whether id has a persisted Subscription.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.kv.Get(id)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, subserr.Wrap(subserr.CodeInternal, "failed to check subscription existence", err)
	}
	return true, nil
}
