package firebase

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"finlink/internal/domain/notification"
)

// FCM rejects multicast messages with more tokens than this.
const fcmBatchLimit = 500

// multicastSender is the subset of *messaging.Client the client uses.
type multicastSender interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// Client implements notification.Messenger on Firebase Cloud Messaging.
type Client struct {
	sender multicastSender
	logger *zap.Logger
}

// NewClient initializes a Firebase app from a service account file.
func NewClient(ctx context.Context, credentialsFile string, logger *zap.Logger) (*Client, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}

	msgClient, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase messaging client: %w", err)
	}

	return &Client{sender: msgClient, logger: logger}, nil
}

// Send pushes p to tokens in batches. A batch that fails as a whole aborts
// the send; per-token failures are reported in the Delivery.
func (c *Client) Send(ctx context.Context, tokens []string, p notification.Push) (*notification.Delivery, error) {
	delivery := &notification.Delivery{}

	for _, batch := range chunkTokens(tokens, fcmBatchLimit) {
		resp, err := c.sender.SendEachForMulticast(ctx, buildMessage(batch, p))
		if err != nil {
			return delivery, fmt.Errorf("failed to send FCM multicast: %w", err)
		}

		delivery.Sent += resp.SuccessCount
		delivery.Failed += resp.FailureCount
		if resp.FailureCount > 0 {
			delivery.InvalidTokens = append(delivery.InvalidTokens, c.invalidTokens(batch, resp)...)
		}
	}

	return delivery, nil
}

func buildMessage(tokens []string, p notification.Push) *messaging.MulticastMessage {
	msg := &messaging.MulticastMessage{
		Tokens: tokens,
		Notification: &messaging.Notification{
			Title: p.Title,
			Body:  p.Body,
		},
		Data: p.Data,
	}

	if p.CollapseKey != "" {
		msg.Android = &messaging.AndroidConfig{CollapseKey: p.CollapseKey}
		msg.APNS = &messaging.APNSConfig{
			Headers: map[string]string{"apns-collapse-id": p.CollapseKey},
		}
	}
	return msg
}

func (c *Client) invalidTokens(batch []string, resp *messaging.BatchResponse) []string {
	var invalid []string
	for i, sendResp := range resp.Responses {
		if sendResp.Error == nil || i >= len(batch) {
			continue
		}
		if messaging.IsUnregistered(sendResp.Error) || messaging.IsInvalidArgument(sendResp.Error) {
			invalid = append(invalid, batch[i])
			continue
		}
		c.logger.Warn("FCM send error", zap.Int("index", i), zap.Error(sendResp.Error))
	}
	return invalid
}

func chunkTokens(tokens []string, size int) [][]string {
	var chunks [][]string
	for i := 0; i < len(tokens); i += size {
		chunks = append(chunks, tokens[i:min(i+size, len(tokens))])
	}
	return chunks
}
