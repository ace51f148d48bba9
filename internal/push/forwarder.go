package push

import (
	"context"
	"fmt"
	"log/slog"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// TokenStore is the device-token registry slice the forwarder needs.
type TokenStore interface {
	DeviceTokensByUser(ctx context.Context, userID string) ([]string, error)
	DeleteDeviceToken(ctx context.Context, token string) error
}

// Forwarder multicasts passthrough notifications to a user's registered
// devices over FCM. Tokens the provider rejects are pruned so dead
// devices do not accumulate.
type Forwarder struct {
	client *messaging.Client
	tokens TokenStore
	logger *slog.Logger
}

// NewForwarder initializes the Firebase app and messaging client.
func NewForwarder(ctx context.Context, credentialsFile string, tokens TokenStore, logger *slog.Logger) (*Forwarder, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("create messaging client: %w", err)
	}

	return &Forwarder{client: client, tokens: tokens, logger: logger}, nil
}

// Forward multicasts one notification to every device the user has
// registered. Users without tokens are a no-op, not an error.
func (f *Forwarder) Forward(ctx context.Context, userID, title, body string, data map[string]string) error {
	tokens, err := f.tokens.DeviceTokensByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("list device tokens: %w", err)
	}
	if len(tokens) == 0 {
		return nil
	}

	message := &messaging.MulticastMessage{
		Tokens: tokens,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data: data,
	}

	resp, err := f.client.SendEachForMulticast(ctx, message)
	if err != nil {
		return fmt.Errorf("send multicast: %w", err)
	}

	f.logger.Debug("multicast sent",
		"user_id", userID,
		"success", resp.SuccessCount,
		"failures", resp.FailureCount,
	)

	for i, r := range resp.Responses {
		if r.Success {
			continue
		}
		f.logger.Warn("pruning dead device token", "user_id", userID, "error", r.Error)
		if err := f.tokens.DeleteDeviceToken(ctx, tokens[i]); err != nil {
			f.logger.Error("pruning device token failed", "error", err)
		}
	}
	return nil
}
