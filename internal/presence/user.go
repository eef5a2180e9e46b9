// Package presence tracks the live realtime sessions of every user device.
package presence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidUser indicates a realtime user missing required identity fields.
	ErrInvalidUser = errors.New("presence: invalid realtime user")
	// ErrUnknownSession indicates a lookup of a session that is not registered.
	ErrUnknownSession = errors.New("presence: unknown session")
	// ErrSessionExists indicates a second registration with an already registered session id.
	ErrSessionExists = errors.New("presence: session already registered")
)

// RealtimeUser is one connected device of a user.
type RealtimeUser struct {
	UID        int64
	DeviceID   string
	SessionID  string
	ConnectAt  int64
	AppVersion string
}

// NewRealtimeUser validates identity fields and assigns a fresh session id.
func NewRealtimeUser(uid int64, deviceID, appVersion string, connectAt time.Time) (RealtimeUser, error) {
	if uid <= 0 {
		return RealtimeUser{}, fmt.Errorf("%w: uid %d", ErrInvalidUser, uid)
	}
	trimmedDevice := strings.TrimSpace(deviceID)
	if trimmedDevice == "" {
		return RealtimeUser{}, fmt.Errorf("%w: empty device id", ErrInvalidUser)
	}
	sessionID, err := uuid.NewV7()
	if err != nil {
		return RealtimeUser{}, err
	}
	return RealtimeUser{
		UID:        uid,
		DeviceID:   trimmedDevice,
		SessionID:  sessionID.String(),
		ConnectAt:  connectAt.UnixMilli(),
		AppVersion: strings.TrimSpace(appVersion),
	}, nil
}

// UserDevice returns the "<uid>:<device_id>" key that identifies a device across sessions.
func (user RealtimeUser) UserDevice() string {
	return UserDeviceKey(user.UID, user.DeviceID)
}

// UserDeviceKey builds the device key for uid and deviceID.
func UserDeviceKey(uid int64, deviceID string) string {
	return fmt.Sprintf("%d:%s", uid, deviceID)
}
