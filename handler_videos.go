package main

import (
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"survcam/camera"
	"survcam/storage"
)

type RecordingInfo struct {
	storage.Segment
	Open bool `json:"open"`
}

func (s *APIServer) handleListRecordings(c *gin.Context) {
	segments, err := storage.ListSegments(s.storage.Dir())
	if err != nil {
		s.logger.Printf("[ERROR] Failed to list recordings: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list recordings"})
		return
	}

	active := s.storage.Active()
	recordings := lo.Map(segments, func(seg storage.Segment, _ int) RecordingInfo {
		return RecordingInfo{Segment: seg, Open: seg.Name == active}
	})
	c.JSON(http.StatusOK, gin.H{
		"recordings": recordings,
		"count":      len(recordings),
	})
}

// recordingPath resolves a recording name from the URL. Only well-formed segment names
// are accepted, which also rules out path traversal.
func (s *APIServer) recordingPath(c *gin.Context) (string, string, bool) {
	name := c.Param("name")
	if _, ok := storage.ParseSegmentName(name); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid recording name"})
		return "", "", false
	}
	return name, filepath.Join(s.storage.Dir(), name), true
}

func (s *APIServer) handleDownloadRecording(c *gin.Context) {
	name, path, ok := s.recordingPath(c)
	if !ok {
		return
	}
	if name == s.storage.Active() {
		// Still growing; a download would be cut at an arbitrary byte.
		c.JSON(http.StatusConflict, gin.H{"error": "Recording in progress"})
		return
	}
	if !fileExists(path) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Recording not found"})
		return
	}

	c.Header("Content-Type", "video/x-motion-jpeg")
	c.FileAttachment(path, name)
}

// handleRecordingFrame returns the last complete frame of a recording. It works on
// the file being written too, as a preview of the running recording.
func (s *APIServer) handleRecordingFrame(c *gin.Context) {
	_, path, ok := s.recordingPath(c)
	if !ok {
		return
	}
	if !fileExists(path) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Recording not found"})
		return
	}

	frame, err := camera.LastFrame(path)
	if err != nil {
		if errors.Is(err, camera.ErrNoFrame) {
			c.JSON(http.StatusNotFound, gin.H{"error": "No complete frame yet"})
			return
		}
		s.logger.Printf("[ERROR] Failed to read %s: %v", path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read recording"})
		return
	}

	setNoCache(c)
	c.Data(http.StatusOK, "image/jpeg", frame)
}
