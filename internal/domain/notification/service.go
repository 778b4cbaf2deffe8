package notification

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"finlink/internal/shared/messages"
)

// Service delivers connection related push notifications.
type Service struct {
	repo      Repository
	messenger Messenger
	texts     *messages.Messages
	logger    *zap.Logger
}

// NewService creates a notification service. messenger may be nil, in which
// case pushes are logged and dropped.
func NewService(repo Repository, messenger Messenger, texts *messages.Messages, logger *zap.Logger) *Service {
	if texts == nil {
		texts = messages.Default()
	}
	return &Service{repo: repo, messenger: messenger, texts: texts, logger: logger}
}

// RegisterDevice registers a device token for the authenticated user. A
// token already registered to another user is reassigned.
func (s *Service) RegisterDevice(ctx context.Context, params RegisterDeviceParams) (*DeviceToken, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	token, err := s.repo.UpsertDeviceToken(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to register device: %w", err)
	}
	return token, nil
}

// NotifyReconnectRequired asks the user to re-link a connection that can no
// longer be synced.
func (s *Service) NotifyReconnectRequired(ctx context.Context, userID int64, connectionID, providerKey string) error {
	text := s.texts.ReconnectRequired.Render(providerKey)

	return s.SendToUser(ctx, Push{
		UserID:      userID,
		Title:       text.Title,
		Body:        text.Body,
		CollapseKey: "reconnect-" + connectionID,
		Data: map[string]string{
			"type":          "reconnect_required",
			"connection_id": connectionID,
			"provider_key":  providerKey,
		},
	})
}

// SendToUser sends p to every active device of the user. Having no devices
// is not an error. Tokens the messenger reports as invalid are deactivated.
func (s *Service) SendToUser(ctx context.Context, p Push) error {
	if err := p.Validate(); err != nil {
		return err
	}

	tokens, err := s.repo.GetActiveTokensByUserID(ctx, p.UserID)
	if err != nil {
		return fmt.Errorf("failed to load device tokens: %w", err)
	}

	log := s.logger.With(zap.Int64("user_id", p.UserID))
	if len(tokens) == 0 {
		log.Debug("no active device tokens")
		return nil
	}

	data := make(map[string]string, len(p.Data)+1)
	for k, v := range p.Data {
		data[k] = v
	}
	if _, ok := data["route"]; !ok {
		data["route"] = CategoryAccounts
	}

	if s.messenger == nil {
		log.Info("push messaging disabled, dropping notification", zap.String("title", p.Title))
		return nil
	}

	tokenStrings := make([]string, len(tokens))
	for i, t := range tokens {
		tokenStrings[i] = t.Token
	}

	p.Data = data
	delivery, err := s.messenger.Send(ctx, tokenStrings, p)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}

	for _, token := range delivery.InvalidTokens {
		if err := s.repo.DeactivateToken(ctx, token); err != nil {
			log.Warn("failed to deactivate device token", zap.Error(err))
		}
	}

	log.Info("push sent",
		zap.Int("sent", delivery.Sent),
		zap.Int("failed", delivery.Failed),
		zap.Int("deactivated", len(delivery.InvalidTokens)),
	)
	return nil
}

// DeactivateToken marks a token the messaging provider reported as invalid.
func (s *Service) DeactivateToken(ctx context.Context, token string) error {
	if token == "" {
		return ErrInvalidToken
	}
	return s.repo.DeactivateToken(ctx, token)
}
