package main

import "time"

// =============================================================================
// Performance and Timing Constants
// =============================================================================

const (
	// Capture and control loop cadence
	DefaultCaptureIntervalMS = 50 // ~20 fps producer
	DefaultControlIntervalMS = 40

	// Frame slot lock waits
	DefaultPublishWaitMS = 10 // producer gives up quickly and drops the frame
	DefaultTakeWaitMS    = 5

	// Mode requests wait for the control loop to apply them
	ModeRequestTimeout = 10 * time.Second

	// Multipart and websocket preview pacing
	MJPEGStreamIntervalMS = 33
	MJPEGNoFrameTimeout   = 150 // Disconnect after 150 intervals (~5s) without a frame
	StreamLogInterval     = 100 // Log stream stats every 100 frames
)

// =============================================================================
// Server Timeouts
// =============================================================================

const (
	ServerReadTimeout       = 30 * time.Second
	ServerIdleTimeout       = 120 * time.Second
	ServerReadHeaderTimeout = 10 * time.Second
	ServerWriteTimeout      = 0 // 0 = no timeout (needed for long video streams)
	ServerShutdownTimeout   = 5 * time.Second

	HTTPMaxHeaderBytes = 1 << 20

	// Websocket
	WebSocketWriteDeadline = 10 * time.Second
	WebSocketPingInterval  = 30 * time.Second
	WebSocketReadLimit     = 512
)

// =============================================================================
// Default Configuration Values
// =============================================================================

const (
	DefaultPort             = 8080
	DefaultStorageThreshold = "2GiB" // Evict the oldest recording below this much free space
	DefaultSegmentLengthS   = 3600   // 1 hour per recording file
	DefaultFrameBuffers     = 2
	DefaultBackend          = "auto"
	DefaultCameraDevice     = "/dev/video0"

	AppName = "survcam"
)

// =============================================================================
// Logging
// =============================================================================

const (
	LogFileMaxSizeMB  = 10
	LogFileMaxBackups = 3
	LogFileMaxAgeDays = 28
)
