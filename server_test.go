package main

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"
	"go.viam.com/test"
	"golang.org/x/sync/errgroup"

	"survcam/camera"
	"survcam/storage"
)

const gib = 1 << 30

type testServer struct {
	*APIServer
	controller *camera.Controller
	governor   *storage.Governor
	cancel     context.CancelFunc
	group      *errgroup.Group
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := NewLoggerFrom(zaptest.NewLogger(t))

	config := DefaultConfig()
	config.VideoDir = t.TempDir()

	governor, err := storage.NewGovernor(config.VideoDir, 2*gib, logger, storage.WithUsageFunc(func(string) (storage.Usage, error) {
		return storage.Usage{Total: 200 * gib, Used: 100 * gib, Free: 100 * gib}, nil
	}))
	test.That(t, err, test.ShouldBeNil)

	source := camera.NewPatternSource(camera.DefaultBuffers, nil, logger)
	test.That(t, source.Configure(config.Profiles.Idle), test.ShouldBeNil)

	controller := camera.NewController(camera.ControllerConfig{
		Source:          source,
		Broker:          camera.NewFrameBroker(source, config.BrokerTimeouts()),
		Governor:        governor,
		Dir:             config.VideoDir,
		SegmentDuration: config.SegmentDuration(),
		CaptureInterval: 2 * time.Millisecond,
		ControlInterval: 2 * time.Millisecond,
		Profiles:        config.Profiles,
		Logger:          logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return controller.RunCapture(gctx) })
	g.Go(func() error { return controller.RunControl(gctx) })

	ts := &testServer{
		APIServer:  NewAPIServer(config, camera.BackendPattern, controller, governor, logger),
		controller: controller,
		governor:   governor,
		cancel:     cancel,
		group:      g,
	}
	t.Cleanup(func() {
		ts.shutdown(t)
		test.That(t, source.Close(), test.ShouldBeNil)
	})
	return ts
}

// shutdown stops both loops. It is safe to call more than once.
func (ts *testServer) shutdown(t *testing.T) {
	ts.cancel()
	test.That(t, ts.group.Wait(), test.ShouldBeNil)
}

func (ts *testServer) do(method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestModeRoutes(t *testing.T) {
	t.Run("stream then stop", func(t *testing.T) {
		ts := newTestServer(t)

		rec := ts.do(http.MethodPost, "/stream/start")
		test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
		test.That(t, rec.Body.String(), test.ShouldEqual, "Streaming started.")
		test.That(t, ts.controller.Mode(), test.ShouldEqual, camera.Streaming)

		rec = ts.do(http.MethodGet, "/stop")
		test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
		test.That(t, rec.Body.String(), test.ShouldEqual, "Stopped.")
		test.That(t, ts.controller.Mode(), test.ShouldEqual, camera.Idle)
	})

	t.Run("busy while another mode runs", func(t *testing.T) {
		ts := newTestServer(t)

		test.That(t, ts.do(http.MethodPost, "/stream/start").Code, test.ShouldEqual, http.StatusOK)

		rec := ts.do(http.MethodPost, "/recording/start")
		test.That(t, rec.Code, test.ShouldEqual, http.StatusConflict)
		test.That(t, rec.Body.String(), test.ShouldEqual, "Device is busy.")

		rec = ts.do(http.MethodPost, "/stream/start")
		test.That(t, rec.Code, test.ShouldEqual, http.StatusConflict)
		test.That(t, ts.controller.Mode(), test.ShouldEqual, camera.Streaming)
	})

	t.Run("stop when idle", func(t *testing.T) {
		ts := newTestServer(t)

		for i := 0; i < 2; i++ {
			rec := ts.do(http.MethodPost, "/stop")
			test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
		}
	})

	t.Run("control loop gone", func(t *testing.T) {
		ts := newTestServer(t)
		ts.shutdown(t)
		<-ts.controller.Done()

		rec := ts.do(http.MethodPost, "/stop")
		test.That(t, rec.Code, test.ShouldEqual, http.StatusServiceUnavailable)

		rec = ts.do(http.MethodPost, "/stream/start")
		test.That(t, rec.Code, test.ShouldEqual, http.StatusServiceUnavailable)
	})
}

func TestFrameRoute(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/frame")
	test.That(t, rec.Code, test.ShouldEqual, http.StatusServiceUnavailable)
	test.That(t, rec.Body.String(), test.ShouldEqual, "Not ready")

	test.That(t, ts.do(http.MethodPost, "/stream/start").Code, test.ShouldEqual, http.StatusOK)

	var frame *httptest.ResponseRecorder
	eventually(t, func() bool {
		frame = ts.do(http.MethodGet, "/frame")
		return frame.Code == http.StatusOK
	})
	test.That(t, frame.Header().Get("Content-Type"), test.ShouldEqual, "image/jpeg")
	test.That(t, frame.Header().Get("X-Frame-Seq"), test.ShouldNotBeEmpty)
	test.That(t, frame.Header().Get("Cache-Control"), test.ShouldContainSubstring, "no-store")
	body := frame.Body.Bytes()
	test.That(t, body[:2], test.ShouldResemble, []byte{0xFF, 0xD8})

	test.That(t, ts.do(http.MethodPost, "/stop").Code, test.ShouldEqual, http.StatusOK)
	rec = ts.do(http.MethodGet, "/frame")
	test.That(t, rec.Code, test.ShouldEqual, http.StatusServiceUnavailable)
}

func TestRecordingRoutes(t *testing.T) {
	ts := newTestServer(t)
	name := storage.SegmentName(1)

	test.That(t, ts.do(http.MethodPost, "/recording/start").Code, test.ShouldEqual, http.StatusOK)
	test.That(t, ts.governor.Active(), test.ShouldEqual, name)
	eventually(t, func() bool {
		st := ts.controller.Status()
		return st.Session != nil && st.Session.Frames > 1
	})

	rec := ts.do(http.MethodGet, "/recordings/"+name)
	test.That(t, rec.Code, test.ShouldEqual, http.StatusConflict)

	rec = ts.do(http.MethodGet, "/recordings/"+name+"/frame")
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, rec.Header().Get("Content-Type"), test.ShouldEqual, "image/jpeg")

	var listing struct {
		Recordings []RecordingInfo `json:"recordings"`
		Count      int             `json:"count"`
	}
	rec = ts.do(http.MethodGet, "/recordings")
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, json.Unmarshal(rec.Body.Bytes(), &listing), test.ShouldBeNil)
	test.That(t, listing.Count, test.ShouldEqual, 1)
	test.That(t, listing.Recordings[0].Name, test.ShouldEqual, name)
	test.That(t, listing.Recordings[0].Open, test.ShouldBeTrue)

	test.That(t, ts.do(http.MethodPost, "/stop").Code, test.ShouldEqual, http.StatusOK)
	test.That(t, ts.governor.Active(), test.ShouldBeEmpty)

	rec = ts.do(http.MethodGet, "/recordings/"+name)
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, rec.Header().Get("Content-Disposition"), test.ShouldContainSubstring, name)
	test.That(t, rec.Body.Bytes()[:2], test.ShouldResemble, []byte{0xFF, 0xD8})

	rec = ts.do(http.MethodGet, "/recordings")
	test.That(t, json.Unmarshal(rec.Body.Bytes(), &listing), test.ShouldBeNil)
	test.That(t, listing.Recordings[0].Open, test.ShouldBeFalse)

	t.Run("bad names", func(t *testing.T) {
		for _, bad := range []string{"notes.txt", "rec_1.mjpg", "rec_000.mjpg"} {
			rec := ts.do(http.MethodGet, "/recordings/"+bad)
			test.That(t, rec.Code, test.ShouldEqual, http.StatusBadRequest)
		}
		rec := ts.do(http.MethodGet, "/recordings/"+storage.SegmentName(42))
		test.That(t, rec.Code, test.ShouldEqual, http.StatusNotFound)
	})
}

func TestStatsRoutes(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/stats")
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)

	var raw map[string]interface{}
	test.That(t, json.Unmarshal(rec.Body.Bytes(), &raw), test.ShouldBeNil)
	for _, key := range []string{"mode", "heap_free", "fps", "storage_free_gb"} {
		test.That(t, raw, test.ShouldContainKey, key)
	}

	var stats StatsResponse
	test.That(t, json.Unmarshal(rec.Body.Bytes(), &stats), test.ShouldBeNil)
	test.That(t, stats.Mode, test.ShouldEqual, "IDLE")
	test.That(t, stats.StorageFreeGB, test.ShouldEqual, 100.0)
	test.That(t, stats.FPS, test.ShouldEqual, 0.0)

	var status StatusResponse
	rec = ts.do(http.MethodGet, "/status")
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, json.Unmarshal(rec.Body.Bytes(), &status), test.ShouldBeNil)
	test.That(t, status.Backend, test.ShouldEqual, camera.BackendPattern)
	test.That(t, status.Storage, test.ShouldNotBeNil)
	test.That(t, status.Storage.UsedPercent, test.ShouldEqual, 50)
	test.That(t, status.Storage.Threshold, test.ShouldEqual, uint64(2*gib))

	rec = ts.do(http.MethodGet, "/")
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, rec.Body.String(), test.ShouldContainSubstring, "/stream/start")

	rec = ts.do(http.MethodGet, "/config")
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, rec.Body.String(), test.ShouldContainSubstring, `"storage_threshold_bytes":2147483648`)
}

func TestStatusFor(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want int
	}{
		{camera.ErrBusy, http.StatusConflict},
		{errors.Wrap(camera.ErrStorage, "open segment"), http.StatusInsufficientStorage},
		{camera.ErrStopped, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{errors.Wrap(camera.ErrSensor, "configure"), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	} {
		test.That(t, statusFor(tc.err), test.ShouldEqual, tc.want)
	}
}

func TestModeRouteMethods(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodPut, "/stop")
	test.That(t, rec.Code, test.ShouldEqual, http.StatusNotFound)
	test.That(t, ts.do(http.MethodGet, "/stream/start").Code, test.ShouldEqual, http.StatusOK)
}

func TestStreamRoutes(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stream/mjpeg")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusServiceUnavailable)
	resp.Body.Close()

	test.That(t, ts.do(http.MethodPost, "/stream/start").Code, test.ShouldEqual, http.StatusOK)

	t.Run("websocket", func(t *testing.T) {
		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream/ws"
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		test.That(t, err, test.ShouldBeNil)
		defer conn.Close()

		test.That(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)), test.ShouldBeNil)
		kind, data, err := conn.ReadMessage()
		test.That(t, err, test.ShouldBeNil)
		test.That(t, kind, test.ShouldEqual, websocket.BinaryMessage)
		test.That(t, data[:2], test.ShouldResemble, []byte{0xFF, 0xD8})
	})

	t.Run("mjpeg", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/stream/mjpeg")
		test.That(t, err, test.ShouldBeNil)
		defer resp.Body.Close()
		test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)

		mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, mediaType, test.ShouldEqual, "multipart/x-mixed-replace")

		part, err := multipart.NewReader(resp.Body, params["boundary"]).NextPart()
		test.That(t, err, test.ShouldBeNil)
		test.That(t, part.Header.Get("Content-Type"), test.ShouldEqual, "image/jpeg")
		data, err := io.ReadAll(io.LimitReader(part, 2))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, data, test.ShouldResemble, []byte{0xFF, 0xD8})
	})
}
