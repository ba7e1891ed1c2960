// Package api mounts the dashboard HTTP surface on a goa muxer: livestream
// control, MJPEG and WebSocket feeds, detection data, hourly history and
// health probes.
package api

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"

	goahttp "goa.design/goa/v3/http"

	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/auth"
	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/database"
	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/livestream"
	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/middleware"
	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/pipeline"
	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/stream"
	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/timeutil"
	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/ws"
)

const (
	livestreamPrefix = "/api/dashboard/livestream"
	historyPrefix    = "/api/dashboard/history"
)

// HistoryStore aggregates stored vehicle records per hour
type HistoryStore interface {
	HourlyCounts(ctx context.Context, day string) ([]database.HourlyCount, error)
}

// Pinger checks a backing store connection
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies holds everything the HTTP handlers need. Auth, History,
// Database, Detector and Hub may be nil; the routes they back then report
// the feature as unavailable.
type Dependencies struct {
	Livestream *livestream.Service
	Auth       *auth.Authenticator
	History    HistoryStore
	Database   Pinger
	Detector   pipeline.Detector
	Hub        *ws.DetectionHub
	StreamFPS  int
	Clock      timeutil.Clock
}

// MountPoint describes one mounted route
type MountPoint struct {
	Method  string
	Verb    string
	Pattern string
}

// Server serves the dashboard API
type Server struct {
	deps        Dependencies
	middlewares []func(http.Handler) http.Handler
	requireAuth func(http.Handler) http.Handler

	rawFeed       *stream.MJPEGHandler
	processedFeed *stream.MJPEGHandler
	rawSocket     *stream.VideoSocket
	procSocket    *stream.VideoSocket

	// Mounts lists the routes registered by Mount
	Mounts []*MountPoint
}

// New creates the API server
func New(deps Dependencies) *Server {
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	if deps.StreamFPS <= 0 {
		deps.StreamFPS = 30
	}

	s := &Server{deps: deps}
	if deps.Auth != nil {
		s.requireAuth = middleware.AuthMiddleware(deps.Auth)
	} else {
		s.requireAuth = func(h http.Handler) http.Handler { return h }
	}

	svc := deps.Livestream
	s.rawFeed = stream.NewMJPEGHandler("raw", deps.StreamFPS, svc.RawFrame)
	s.processedFeed = stream.NewMJPEGHandler("processed", deps.StreamFPS, svc.ProcessedFrame)
	s.rawSocket = stream.NewVideoSocket(stream.KindRaw, deps.StreamFPS, svc.RawFrame)
	s.procSocket = stream.NewVideoSocket(stream.KindAnnotated, deps.StreamFPS, svc.ProcessedFrame)
	return s
}

// Use adds a middleware applied to the JSON endpoints. Streaming endpoints
// are mounted without it since they need the raw connection.
func (s *Server) Use(m func(http.Handler) http.Handler) {
	s.middlewares = append(s.middlewares, m)
}

// Mount registers every route on mux
func (s *Server) Mount(mux goahttp.Muxer) {
	// Livestream control
	s.handle(mux, "StartLivestream", http.MethodPost, livestreamPrefix+"/start-livestream", s.requireAuth(http.HandlerFunc(s.startLivestream)))
	s.handle(mux, "StopLivestream", http.MethodPost, livestreamPrefix+"/stop-livestream", s.requireAuth(http.HandlerFunc(s.stopLivestream)))
	s.handle(mux, "LivestreamStatus", http.MethodGet, livestreamPrefix+"/livestream-status", http.HandlerFunc(s.livestreamStatus))
	s.handle(mux, "TestPiConnection", http.MethodGet, livestreamPrefix+"/test-pi-connection", http.HandlerFunc(s.testConnection))
	s.handle(mux, "DetectionData", http.MethodGet, livestreamPrefix+"/detection-data", http.HandlerFunc(s.detectionData))
	s.handle(mux, "Stats", http.MethodGet, livestreamPrefix+"/stats", http.HandlerFunc(s.stats))

	// Snapshots
	s.handle(mux, "RawSnapshot", http.MethodGet, livestreamPrefix+"/snapshot/raw", stream.NewSnapshotHandler(s.deps.Livestream.RawFrame))
	s.handle(mux, "ProcessedSnapshot", http.MethodGet, livestreamPrefix+"/snapshot/processed", stream.NewSnapshotHandler(s.deps.Livestream.ProcessedFrame))

	// History and auth
	s.handle(mux, "HourlyHistory", http.MethodGet, historyPrefix+"/hourly", http.HandlerFunc(s.hourlyHistory))
	s.handle(mux, "Token", http.MethodPost, "/api/user/auth/token", http.HandlerFunc(s.token))

	// Health probes
	s.handle(mux, "Healthz", http.MethodGet, "/healthz", http.HandlerFunc(s.healthz))
	s.handle(mux, "Readyz", http.MethodGet, "/readyz", http.HandlerFunc(s.readyz))

	// Streams bypass the JSON middlewares
	s.handleStream(mux, "VideoFeed", livestreamPrefix+"/video-feed", s.rawFeed)
	s.handleStream(mux, "RawVideoFeed", livestreamPrefix+"/video-feed/raw", s.rawFeed)
	s.handleStream(mux, "ProcessedVideoFeed", livestreamPrefix+"/video-feed/processed", s.processedFeed)
	s.handleStream(mux, "RawVideoSocket", "/ws/video/raw", s.rawSocket)
	s.handleStream(mux, "ProcessedVideoSocket", "/ws/video/processed", s.procSocket)
	if s.deps.Hub != nil {
		s.handleStream(mux, "DetectionSocket", "/ws/detections", ws.NewHandler(s.deps.Hub))
	}
}

func (s *Server) handle(mux goahttp.Muxer, method, verb, pattern string, h http.Handler) {
	for i := len(s.middlewares) - 1; i >= 0; i-- {
		h = s.middlewares[i](h)
	}
	mux.Handle(verb, pattern, h.ServeHTTP)
	s.Mounts = append(s.Mounts, &MountPoint{Method: method, Verb: verb, Pattern: pattern})
}

func (s *Server) handleStream(mux goahttp.Muxer, method, pattern string, h http.Handler) {
	mux.Handle(http.MethodGet, pattern, h.ServeHTTP)
	s.Mounts = append(s.Mounts, &MountPoint{Method: method, Verb: http.MethodGet, Pattern: pattern})
}

// Snapshot builds the detection message pushed on /ws/detections
func (s *Server) Snapshot() *ws.DetectionMessage {
	svc := s.deps.Livestream
	return ws.NewDetectionMessage(svc.Status().Running, svc.Detections(), svc.Counts())
}

func encode(ctx context.Context, w http.ResponseWriter, status int, v any) {
	enc := goahttp.ResponseEncoder(ctx, w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := enc.Encode(v); err != nil {
		log.Printf("[API] encoding response: %v", err)
	}
}

// decode reads an optional JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	if err := goahttp.RequestDecoder(r).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
