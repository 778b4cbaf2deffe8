package notification

import (
	"errors"
	"time"
)

// CategoryAccounts routes the client to the bank connections screen.
const CategoryAccounts = "accounts"

var (
	ErrInvalidToken      = errors.New("device token is required")
	ErrInvalidUser       = errors.New("valid user ID is required")
	ErrInvalidDeviceType = errors.New("device type must be 'ios' or 'android'")
)

// DeviceToken is a registered FCM device token.
type DeviceToken struct {
	ID         string    `json:"id"`
	UserID     int64     `json:"userId"`
	Token      string    `json:"token"`
	DeviceType string    `json:"deviceType"`
	IsActive   bool      `json:"isActive"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsed   time.Time `json:"lastUsed"`
}

// Push is one rendered notification addressed to a user. Pushes sharing a
// CollapseKey replace each other on the device.
type Push struct {
	UserID      int64
	Title       string
	Body        string
	CollapseKey string
	Data        map[string]string
}

func (p Push) Validate() error {
	if p.UserID <= 0 {
		return ErrInvalidUser
	}
	if p.Title == "" {
		return errors.New("notification title is required")
	}
	if p.Body == "" {
		return errors.New("notification body is required")
	}
	return nil
}

// RegisterDeviceParams contains parameters for registering a device.
type RegisterDeviceParams struct {
	UserID     int64
	Token      string
	DeviceType string
}

func (p RegisterDeviceParams) Validate() error {
	if p.UserID <= 0 {
		return ErrInvalidUser
	}
	if p.Token == "" {
		return ErrInvalidToken
	}
	if p.DeviceType != "ios" && p.DeviceType != "android" {
		return ErrInvalidDeviceType
	}
	return nil
}
