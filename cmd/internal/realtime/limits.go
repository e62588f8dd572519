package realtime

import "time"

const (
	// Max bytes per websocket frame read. Subscribers only send hello.
	maxFrameBytes = 8 << 10

	// Max access-token length accepted in hello.
	maxTokenChars = 4096
)

const (
	// Heartbeat defaults (can be overridden by env).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// hello must arrive within this window after the upgrade.
	helloTimeout = 10 * time.Second

	// Per-connection rate limits (inbound events per window).
	rateLimitEvents = 20
	rateLimitWindow = 10 * time.Second
)
