package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"github.com/mwaller/outpost/internal/model"
	"github.com/mwaller/outpost/internal/store"
)

// Config holds push listener configuration.
type Config struct {
	ProjectID           string
	CredentialsFile     string
	TopicPrefix         string        // Per-user topic = prefix + user id
	RefreshAlways       bool          // Re-register on every (re)listen, not only when missing
	DedupCacheSize      int           // In-memory dedup entries (default: 1024)
	RegistrationTimeout time.Duration // Budget for ensure-subscription (default: 15s)
	ReceiveRetryDelay   time.Duration // Delay between Receive restarts (default: 5s)
}

// CredentialStore is the push-credential slice the supervisor needs.
type CredentialStore interface {
	Get(ctx context.Context, userID string) (*model.PushCredential, error)
	TouchRegistered(ctx context.Context, userID string) error
}

// Supervisor owns one provider listener per user with an open stream.
// Listeners are created when a stream appears and released when the
// user's grace period expires.
type Supervisor struct {
	cfg       Config
	client    *pubsub.Client
	creds     CredentialStore
	processor *Processor
	logger    *slog.Logger

	mu        sync.Mutex
	listeners map[string]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor creates the pubsub client and the supervisor around it.
func NewSupervisor(ctx context.Context, cfg Config, creds CredentialStore, processor *Processor, logger *slog.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RegistrationTimeout <= 0 {
		cfg.RegistrationTimeout = 15 * time.Second
	}
	if cfg.ReceiveRetryDelay <= 0 {
		cfg.ReceiveRetryDelay = 5 * time.Second
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}

	return &Supervisor{
		cfg:       cfg,
		client:    client,
		creds:     creds,
		processor: processor,
		logger:    logger,
		listeners: make(map[string]context.CancelFunc),
	}, nil
}

// Start prepares the supervisor. Listeners are created on demand.
func (s *Supervisor) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.logger.Info("push supervisor started", "topic_prefix", s.cfg.TopicPrefix)
	return nil
}

// Stop cancels every listener and waits for them, bounded by ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	for userID, cancel := range s.listeners {
		cancel()
		delete(s.listeners, userID)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.client.Close()
		s.logger.Info("push supervisor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnsureListener starts the user's listener if one is not already
// running. Users without a push credential have nothing to listen to;
// that is a normal state, not an error.
func (s *Supervisor) EnsureListener(ctx context.Context, userID string) error {
	s.mu.Lock()
	if _, ok := s.listeners[userID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	cred, err := s.creds.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Debug("no push credential, listener skipped", "user_id", userID)
			return nil
		}
		return fmt.Errorf("load push credential: %w", err)
	}

	s.mu.Lock()
	if _, ok := s.listeners[userID]; ok {
		s.mu.Unlock()
		return nil
	}
	lctx, cancel := context.WithCancel(s.ctx)
	s.listeners[userID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.listen(lctx, userID, cred.DeviceIdentity)

	return nil
}

// Release stops the user's listener, called when the grace period
// expires after their last stream closed.
func (s *Supervisor) Release(userID string) {
	s.mu.Lock()
	cancel, ok := s.listeners[userID]
	if ok {
		delete(s.listeners, userID)
	}
	s.mu.Unlock()

	if ok {
		cancel()
		s.logger.Info("push listener released", "user_id", userID)
	}
}

// ListenerCount reports active listeners for the health endpoint.
func (s *Supervisor) ListenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// listen runs the user's receive loop until cancelled. Each (re)listen
// re-registers with the provider first; transient failures retry on a
// fixed delay rather than killing the listener.
func (s *Supervisor) listen(ctx context.Context, userID, deviceIdentity string) {
	defer s.wg.Done()

	logger := s.logger.With("user_id", userID)

	for {
		sub, err := s.register(ctx, userID)
		if err != nil {
			logger.Warn("push registration failed, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.ReceiveRetryDelay):
				continue
			}
		}

		logger.Info("push listener receiving", "subscription", sub.ID(), "device", deviceIdentity)

		err = sub.Receive(ctx, func(mctx context.Context, msg *pubsub.Message) {
			if perr := s.processor.Process(mctx, userID, msg.Data, msg.ID); perr != nil {
				logger.Warn("notification processing failed, nacking", "error", perr)
				msg.Nack()
				return
			}
			msg.Ack()
		})

		if ctx.Err() != nil {
			return
		}
		logger.Warn("push receive ended, restarting", "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.ReceiveRetryDelay):
		}
	}
}

// register ensures the user's subscription exists, recreating it when
// the provider lost it. With RefreshAlways the stored credential's
// registration timestamp is renewed on every pass.
func (s *Supervisor) register(ctx context.Context, userID string) (*pubsub.Subscription, error) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RegistrationTimeout)
	defer cancel()

	topicName := s.cfg.TopicPrefix + userID
	subName := topicName + "-sub"

	sub := s.client.Subscription(subName)
	exists, err := sub.Exists(rctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription: %w", err)
	}

	if !exists {
		topic := s.client.Topic(topicName)
		topicExists, err := topic.Exists(rctx)
		if err != nil {
			return nil, fmt.Errorf("check topic: %w", err)
		}
		if !topicExists {
			return nil, fmt.Errorf("topic %s not provisioned", topicName)
		}

		sub, err = s.client.CreateSubscription(rctx, subName, pubsub.SubscriptionConfig{
			Topic:       topic,
			AckDeadline: 10 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("create subscription: %w", err)
		}
		s.logger.Info("subscription recreated", "user_id", userID, "subscription", subName)
	}

	if !exists || s.cfg.RefreshAlways {
		if err := s.creds.TouchRegistered(rctx, userID); err != nil {
			s.logger.Warn("touching push credential failed", "user_id", userID, "error", err)
		}
	}

	return sub, nil
}
