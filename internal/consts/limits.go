package consts

import "time"

// File access limits
const (
	// MaxLinesPerRead is the maximum number of lines that can be requested from a file at once
	MaxLinesPerRead = 2000
	// DefaultLockExpiry is how long a lock survives without release (owner-crash timeout)
	DefaultLockExpiry = 5 * time.Minute
)

// Lazy loader defaults
const (
	// DefaultChunkSize is the number of lines per cached chunk
	DefaultChunkSize = 200
	// DefaultMaxCachedChunks bounds the per-workspace chunk cache
	DefaultMaxCachedChunks = 64
	// DefaultPreloadChunks is how many adjacent chunks are prefetched on a miss
	DefaultPreloadChunks = 1
	// DefaultMaxSearchResults bounds a single search call
	DefaultMaxSearchResults = 100
)

// Change watcher defaults
const (
	// DefaultBatchDelay is the coalescing window after the first unflushed event
	DefaultBatchDelay = 300 * time.Millisecond
	// DefaultMaxBatchSize caps events per emitted batch
	DefaultMaxBatchSize = 50
	// DefaultEventBufferSize is the watcher's inbound event channel capacity
	DefaultEventBufferSize = 1024
)

// Connection pool defaults
const (
	// DefaultMaxConnections caps pooled transports per pool
	DefaultMaxConnections = 16
	// DefaultSendQueueSize bounds messages queued while a connection reconnects
	DefaultSendQueueSize = 256
	// DefaultMaxReconnectAttempts bounds backoff-based reconnection
	DefaultMaxReconnectAttempts = 10
)

// Collaboration session defaults
const (
	// DefaultSessionGracePeriod is how long an empty session is retained for quick rejoins
	DefaultSessionGracePeriod = 30 * time.Second
	// DefaultConnectionGracePeriod delays transport teardown after the last unsubscribe
	DefaultConnectionGracePeriod = 5 * time.Second
)

// Buffer sizes for various operations
const (
	// BufferSize64KB is 64 kilobytes
	BufferSize64KB = 64 * 1024
	// BufferSize1MB is 1 megabyte
	BufferSize1MB = 1024 * 1024
)

// Timeouts for various operations
const (
	// Timeout1Second is a 1 second timeout
	Timeout1Second = 1 * time.Second
	// Timeout5Seconds is a 5 second timeout
	Timeout5Seconds = 5 * time.Second
	// Timeout10Seconds is a 10 second timeout
	Timeout10Seconds = 10 * time.Second
	// Timeout30Seconds is a 30 second timeout
	Timeout30Seconds = 30 * time.Second
)

// Health probing
const (
	// DefaultHealthProbeInterval is the interval between connection health probes
	DefaultHealthProbeInterval = 15 * time.Second
	// DefaultHealthProbeTimeout is how long a probe waits for a pong
	DefaultHealthProbeTimeout = 5 * time.Second
)
