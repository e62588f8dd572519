package realtime

import (
	"log/slog"
	"sync"
)

// Channel is the set of live connections of one user.
//
// Join/Leave are safe under concurrent Broadcast; Broadcast never blocks and
// drops under backpressure.
type Channel struct {
	log    *slog.Logger
	UserID string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewChannel constructs an empty channel for userID.
func NewChannel(log *slog.Logger, userID string) *Channel {
	return &Channel{
		log:     log,
		UserID:  userID,
		members: make(map[string]*Client),
	}
}

// Join adds a client to the channel.
func (c *Channel) Join(client *Client) {
	if c == nil || client == nil || client.ConnID == "" {
		return
	}

	c.mu.Lock()
	c.members[client.ConnID] = client
	c.mu.Unlock()

	c.log.Info("feed.member.join", "user_id", c.UserID, "conn_id", client.ConnID)
}

// Leave removes a client and signals its shutdown. It reports the remaining member count.
func (c *Channel) Leave(connID string) int {
	if c == nil || connID == "" {
		return 0
	}

	c.mu.Lock()
	cl := c.members[connID]
	delete(c.members, connID)
	n := len(c.members)
	c.mu.Unlock()

	// Close after removal so no broadcaster holds a closing client.
	if cl != nil {
		cl.Close()
		c.log.Info("feed.member.leave", "user_id", c.UserID, "conn_id", connID)
	}
	return n
}

// Len returns the number of members.
func (c *Channel) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.members)
}

// Broadcast fans an envelope out to all members and returns how many accepted it.
func (c *Channel) Broadcast(env Envelope) int {
	if c == nil {
		return 0
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	sent := 0
	for _, m := range c.members {
		if m == nil {
			continue
		}

		select {
		case <-m.Done():
			continue
		default:
		}

		select {
		case m.Send <- env:
			sent++
		default:
			// Drop rather than block the user's other connections.
		}
	}
	return sent
}
