package session

import (
	"context"
	"strings"
	"time"
)

// Registry projects live refresh tokens into device sessions.
type Registry struct {
	d *deps
}

// ListSessions returns the live sessions of userID, most recently used first.
//
// IsCurrent is derived from currentJTI at read time; an empty currentJTI
// marks no session as current.
func (r *Registry) ListSessions(ctx context.Context, now time.Time, userID, currentJTI string) ([]DeviceSession, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return []DeviceSession{}, nil
	}
	now = now.UTC()

	rows, err := r.d.store.ListActive(ctx, now, userID)
	if err != nil {
		return nil, err
	}
	sortByRecentUse(rows)

	out := make([]DeviceSession, 0, len(rows))
	for _, row := range rows {
		if !row.Active(now) {
			continue
		}
		out = append(out, DeviceSession{
			Token:      row.Token,
			DeviceName: row.DeviceName,
			Platform:   row.Platform,
			Browser:    row.Browser,
			IPAddress:  row.IPAddress,
			LastUsedAt: row.LastUsedAt,
			CreatedAt:  row.CreatedAt,
			IsCurrent:  currentJTI != "" && row.AccessTokenJTI == currentJTI,
		})
	}
	return out, nil
}
