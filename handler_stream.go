package main

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"survcam/camera"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func setNoCache(c *gin.Context) {
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Pragma", "no-cache")
	c.Header("Expires", "0")
}

// handleFrame serves the newest streamed frame. Each frame is served once; a client
// polling faster than the capture rate gets 503 until the next one arrives.
func (s *APIServer) handleFrame(c *gin.Context) {
	if s.controller.Mode() != camera.Streaming {
		c.String(http.StatusServiceUnavailable, "Not ready")
		return
	}

	snap, err := s.controller.TakeFrame()
	switch {
	case err == nil:
	case errors.Is(err, camera.ErrContended):
		c.String(http.StatusServiceUnavailable, "Busy")
		return
	default:
		c.String(http.StatusServiceUnavailable, "No frame")
		return
	}

	setNoCache(c)
	c.Header("X-Frame-Seq", strconv.FormatUint(snap.Seq, 10))
	c.Header("X-Frame-Timestamp", snap.CapturedAt.UTC().Format(time.RFC3339Nano))
	c.Data(http.StatusOK, "image/jpeg", snap.Data)
}

// handleStreamMJPEG serves continuous MJPEG stream (multipart)
func (s *APIServer) handleStreamMJPEG(c *gin.Context) {
	if s.controller.Mode() != camera.Streaming {
		c.String(http.StatusServiceUnavailable, "Not streaming")
		return
	}

	const boundary = "frame"
	setNoCache(c)
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	c.Header("Connection", "close")
	c.Status(http.StatusOK)

	s.logger.Printf("MJPEG stream client connected from %s", c.ClientIP())
	defer s.logger.Printf("MJPEG stream client disconnected")

	ticker := time.NewTicker(time.Duration(MJPEGStreamIntervalMS) * time.Millisecond)
	defer ticker.Stop()

	frameCount := 0
	noFrameCount := 0
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
			if s.controller.Mode() != camera.Streaming {
				return
			}
			snap, err := s.controller.TakeFrame()
			if err != nil {
				noFrameCount++
				if noFrameCount > MJPEGNoFrameTimeout {
					s.logger.Printf("MJPEG stream: No frames timeout, closing connection")
					return
				}
				continue
			}
			noFrameCount = 0

			if _, err := fmt.Fprintf(c.Writer, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", boundary, len(snap.Data)); err != nil {
				return
			}
			if _, err := c.Writer.Write(snap.Data); err != nil {
				return
			}
			if _, err := fmt.Fprint(c.Writer, "\r\n"); err != nil {
				return
			}
			c.Writer.Flush()

			frameCount++
			if frameCount%StreamLogInterval == 0 {
				s.logger.Debugf("MJPEG stream: sent %d frames", frameCount)
			}
		}
	}
}

// handleStreamWS pushes each new frame as a binary websocket message.
func (s *APIServer) handleStreamWS(c *gin.Context) {
	if s.controller.Mode() != camera.Streaming {
		c.String(http.StatusServiceUnavailable, "Not streaming")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Printf("WebSocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	s.logger.Printf("WebSocket client connected from %s", c.ClientIP())
	defer s.logger.Printf("WebSocket client disconnected")

	// Reads only serve to notice the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(WebSocketReadLimit)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(time.Duration(MJPEGStreamIntervalMS) * time.Millisecond)
	defer ticker.Stop()
	ping := time.NewTicker(WebSocketPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(WebSocketWriteDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ticker.C:
			if s.controller.Mode() != camera.Streaming {
				conn.SetWriteDeadline(time.Now().Add(WebSocketWriteDeadline))
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "streaming stopped"))
				return
			}
			snap, err := s.controller.TakeFrame()
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(WebSocketWriteDeadline))
			if err := conn.WriteMessage(websocket.BinaryMessage, snap.Data); err != nil {
				s.logger.Debugf("WebSocket write error: %v", err)
				return
			}
		}
	}
}
