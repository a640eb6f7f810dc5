package main

import (
	"math"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/mem"

	"survcam/camera"
	"survcam/storage"
)

type StatsResponse struct {
	Mode          string  `json:"mode"`
	HeapFree      uint64  `json:"heap_free"`
	FPS           float64 `json:"fps"`
	StorageFreeGB float64 `json:"storage_free_gb"`
}

type StorageStats struct {
	storage.State
	FreeGB      float64 `json:"free_gb"`
	UsedPercent int     `json:"used_percent"`
	Active      string  `json:"active,omitempty"`
}

type StatusResponse struct {
	camera.Status
	Backend string        `json:"backend"`
	Storage *StorageStats `json:"storage,omitempty"`
	Uptime  string        `json:"uptime"`
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// freeMemory reports memory available to new allocations: system-wide available
// memory, or the Go heap's idle span when that cannot be read.
func freeMemory() uint64 {
	if vm, err := mem.VirtualMemory(); err == nil {
		return vm.Available
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapIdle - ms.HeapReleased
}

// handleStats is the compact snapshot polled by the control page.
func (s *APIServer) handleStats(c *gin.Context) {
	resp := StatsResponse{
		Mode:     s.controller.Mode().String(),
		HeapFree: freeMemory(),
		FPS:      round2(s.controller.FPS()),
	}
	if st, err := s.storage.State(); err == nil {
		resp.StorageFreeGB = round2(st.FreeGB())
	} else {
		s.logger.Debugf("/stats: storage state: %v", err)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *APIServer) handleStatus(c *gin.Context) {
	resp := StatusResponse{
		Status:  s.controller.Status(),
		Backend: s.backend,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	}
	if st, err := s.storage.State(); err == nil {
		resp.Storage = &StorageStats{
			State:       st,
			FreeGB:      round2(st.FreeGB()),
			UsedPercent: int(st.UsedRatio() * 100),
			Active:      s.storage.Active(),
		}
	} else {
		s.logger.Printf("[WARN] /status: storage state: %v", err)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *APIServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"mode":   s.controller.Mode().String(),
	})
}

func (s *APIServer) handleUI(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(getEmbeddedHTML()))
}
