package authapi

import "tether/cmd/internal/auth/session"

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"omitempty,max=4096"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token" validate:"omitempty,max=4096"`
}

type revokeSessionRequest struct {
	Session string `json:"session" validate:"required,max=256"`
}

type sessionsResponse struct {
	Sessions []session.DeviceSession `json:"sessions"`
}
