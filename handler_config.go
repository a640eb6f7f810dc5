package main

import (
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
)

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// handleGetConfig returns the effective configuration.
func (s *APIServer) handleGetConfig(c *gin.Context) {
	threshold, _ := s.config.StorageThresholdBytes()
	c.JSON(http.StatusOK, gin.H{
		"port":                    s.config.Port,
		"video_dir":               s.config.VideoDir,
		"backend":                 s.backend,
		"camera_device":           s.config.CameraDevice,
		"frame_buffers":           s.config.FrameBuffers,
		"storage_threshold":       s.config.StorageThreshold,
		"storage_threshold_bytes": threshold,
		"segment_length_s":        s.config.SegmentLengthS,
		"capture_interval_ms":     s.config.CaptureIntervalMS,
		"control_interval_ms":     s.config.ControlIntervalMS,
		"publish_wait_ms":         s.config.PublishWaitMS,
		"take_wait_ms":            s.config.TakeWaitMS,
		"profiles":                s.config.Profiles,
	})
}
