package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"finlink/internal/domain/notification"
	"finlink/internal/shared/middleware"
)

const maxNotificationBodySize = 1 << 20 // 1 MiB

// DeviceRegistrar registers push notification device tokens.
type DeviceRegistrar interface {
	RegisterDevice(ctx context.Context, params notification.RegisterDeviceParams) (*notification.DeviceToken, error)
}

type NotificationHandler struct {
	registrar DeviceRegistrar
	logger    *zap.Logger
}

func NewNotificationHandler(registrar DeviceRegistrar, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{registrar: registrar, logger: logger}
}

type RegisterDeviceRequest struct {
	Token      string `json:"token"`
	DeviceType string `json:"device_type"`
}

// HandleRegisterDevice handles POST /api/notifications/register-device/
func (h *NotificationHandler) HandleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxNotificationBodySize)
	var req RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := h.registrar.RegisterDevice(r.Context(), notification.RegisterDeviceParams{
		UserID:     userID,
		Token:      req.Token,
		DeviceType: req.DeviceType,
	})
	if err != nil {
		if errors.Is(err, notification.ErrInvalidToken) || errors.Is(err, notification.ErrInvalidDeviceType) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("failed to register device", zap.Int64("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to register device")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"token":   token.Token,
	})
}
