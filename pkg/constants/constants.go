// Package constants defines magic numbers and default values used throughout go-rawhttp
package constants

import "time"

// Connection timeouts and limits
const (
	DefaultIdleTimeout     = 90 * time.Second
	DefaultConnTimeout     = 10 * time.Second
	DefaultReadTimeout     = 30 * time.Second
	DefaultPingInterval    = 15 * time.Second
	MaxConnectionIdleTime  = 5 * time.Minute
	HealthCheckInterval    = 30 * time.Second
	CleanupInterval        = 30 * time.Second
)

// HTTP/2 limits
const (
	MaxTotalStreams       = 10000
	SettingsAckTimeout    = 5 * time.Second
	DefaultHpackTableSize = 4096
)

// HTTP limits
const (
	MaxContentLength = 1024 * 1024 * 1024 * 1024 // 1TB

	// DefaultMaxHeaderBytes bounds the buffered read of an HTTP/1.1 response
	// head (status line + headers), per spec default of 16KB.
	DefaultMaxHeaderBytes = 16 * 1024
)

// Buffer limits
const (
	DefaultBodyMemLimit = 4 * 1024 * 1024   // 4MB
	MaxRawBufferSize    = 100 * 1024 * 1024 // 100MB cap for raw buffer

	// DefaultMaxResponseBodyBytes is the default decoded body cap (spec §6.8).
	DefaultMaxResponseBodyBytes = 100 * 1024 * 1024 // 100MB
)

// HPACK bomb protection.
const (
	// DefaultMaxHeaderBlockBytes caps each decoded HPACK header string and the
	// total encoded size of one header block (spec §4.4, §6.8).
	DefaultMaxHeaderBlockBytes = 256 * 1024 // 256KB
)

// Happy Eyeballs dual-stack racing.
const (
	DefaultHappyEyeballsStagger = 250 * time.Millisecond
)

// Connection pool defaults.
const (
	DefaultMaxConnectionsPerHostDesktop = 16
	DefaultMaxConnectionsPerHostMobile  = 8
	DefaultStaleCheckThreshold          = 1 * time.Second
)

// WebSocket defaults.
const (
	DefaultWSMaxMessageBytes  = 32 * 1024 * 1024 // 32MB
	DefaultWSMaxFragments     = 4096
	DefaultWSPingInterval     = 30 * time.Second
	DefaultWSPongTimeout      = 10 * time.Second
	DefaultWSIdleTimeout      = 0 // disabled unless configured
	DefaultWSHandshakeTimeout = 10 * time.Second
	DefaultWSCloseTimeout     = 1 * time.Second // bounded wait for the peer's own Close frame
	WSErrorBodyCap            = 4 * 1024 // 4KB bounded error body read on non-101

	// WSDeflateChunkSize is the inflate chunk size used for the permessage-deflate
	// zip-bomb guard.
	WSDeflateChunkSize = 16 * 1024
)

// Proxy defaults.
const (
	DefaultProxyConnectHeaderCap = 16 * 1024 // 16KB bounded CONNECT response head read
)

// Plugin defaults.
const (
	DefaultPluginShutdownTimeout = 5 * time.Second
)
