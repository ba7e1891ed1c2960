package detection

import (
	"context"
	"encoding/json"
	"image"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/pipeline"
)

func testFrame() *pipeline.Frame {
	img := image.NewRGBA(image.Rect(0, 0, pipeline.CanonicalWidth, pipeline.CanonicalHeight))
	return &pipeline.Frame{Image: img, Seq: 42, Timestamp: time.Now()}
}

func TestMapVehicleClass(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		counted bool
	}{
		{"car", "car", true},
		{"Truck", "truck", true},
		{"bus", "truck", true},
		{"motorcycle", "motorbike", true},
		{"bicycle", "bicycle", true},
		{"person", "", false},
		{"police_car", "car", true},
		{"lorry", "truck", true},
		{"minibus", "truck", true},
		{"motorbike", "motorbike", true},
		{"e-bike", "motorbike", true},
		{"motorcycle_rider", "bicycle", true},
		{"boat", "car", true},
	}

	for _, tt := range tests {
		got, counted := MapVehicleClass(tt.in)
		assert.Equal(t, tt.counted, counted, tt.in)
		if tt.counted {
			assert.Equal(t, tt.want, got, tt.in)
		}
	}
}

func TestToVehicleDetections(t *testing.T) {
	t.Parallel()

	raw := []rawDetection{
		{Class: "car", Confidence: 0.9, BBox: []float32{1, 2, 3, 4}},
		{Class: "bus", Confidence: 0.8, BBox: []float32{10, 20, 30, 40}},
		{Class: "person", Confidence: 0.95, BBox: []float32{5, 5, 6, 6}},
		{Class: "truck", Confidence: 0.1, BBox: []float32{5, 5, 6, 6}},
		{Class: "dog", Confidence: 0.9, BBox: []float32{5, 5, 6, 6}},
		{Class: "car", Confidence: 0.9, BBox: []float32{1, 2}},
	}

	got := toVehicleDetections(raw, DefaultClassFilter, 0.3)
	want := []pipeline.Detection{
		{Class: "car", Confidence: 0.9, BBox: pipeline.BBox{X1: 1, Y1: 2, X2: 3, Y2: 4}},
		{Class: "truck", Confidence: 0.8, BBox: pipeline.BBox{X1: 10, Y1: 20, X2: 30, Y2: 40}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("detections mismatch (-want +got):\n%s", diff)
	}
}

func TestHTTPDetector(t *testing.T) {
	t.Parallel()

	var healthChecks atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		healthChecks.Add(1)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.HandleFunc("/detect", func(w http.ResponseWriter, r *http.Request) {
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		assert.Equal(t, "0.30", r.FormValue("conf_threshold"))
		assert.Equal(t, "car,truck,bus,motorcycle,bicycle", r.FormValue("classes"))
		_, header, err := r.FormFile("file")
		if assert.NoError(t, err) {
			assert.Equal(t, "image/jpeg", header.Header.Get("Content-Type"))
		}

		_ = json.NewEncoder(w).Encode(DetectionResult{
			Detections: []rawDetection{
				{Class: "motorcycle", ClassID: 3, Confidence: 0.7, BBox: []float32{100, 120, 140, 150}},
				{Class: "person", ClassID: 0, Confidence: 0.9, BBox: []float32{10, 10, 20, 40}},
			},
			Count: 2,
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := NewHTTPDetector(srv.URL+"/", 0.3, time.Second)
	defer d.Close()

	ctx := context.Background()
	assert.Equal(t, "http", d.Name())
	require.True(t, d.IsHealthy(ctx))
	require.True(t, d.IsHealthy(ctx))
	assert.Equal(t, int32(1), healthChecks.Load(), "healthy result should be cached")

	dets, err := d.Detect(ctx, testFrame(), DefaultClassFilter)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, "motorbike", dets[0].Class)
	assert.Equal(t, pipeline.BBox{X1: 100, Y1: 120, X2: 140, Y2: 150}, dets[0].BBox)
}

func TestHTTPDetectorErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := NewHTTPDetector(srv.URL, 0.3, time.Second)
	assert.False(t, d.IsHealthy(context.Background()))

	_, err := d.Detect(context.Background(), testFrame(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not loaded")

	_, err = d.Detect(context.Background(), nil, nil)
	assert.Error(t, err)
}

// startDetectionServer runs an in-memory detection service answering every
// request with one car and one person
func startDetectionServer(t *testing.T, requests chan<- map[string]any) *bufconn.Listener {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()

	desc := &grpc.ServiceDesc{
		ServiceName: "traffic.detection.v1.DetectionService",
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Detect",
			Handler: func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				in := &structpb.Struct{}
				if err := dec(in); err != nil {
					return nil, err
				}
				requests <- in.AsMap()
				return structpb.NewStruct(map[string]any{
					"detections": []any{
						map[string]any{"class": "car", "class_id": 2, "confidence": 0.88, "bbox": []any{200, 110, 260, 160}},
						map[string]any{"class": "person", "class_id": 0, "confidence": 0.91, "bbox": []any{10, 10, 20, 40}},
					},
					"inference_time_ms": 12.5,
				})
			},
		}},
	}
	srv.RegisterService(desc, struct{}{})
	healthpb.RegisterHealthServer(srv, health.NewServer())

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis
}

func TestGRPCDetector(t *testing.T) {
	t.Parallel()

	requests := make(chan map[string]any, 1)
	lis := startDetectionServer(t, requests)

	d, err := NewGRPCDetector(GRPCDetectorConfig{Endpoint: "passthrough:///bufnet", ConfThreshold: 0.3},
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	assert.Equal(t, "grpc", d.Name())
	require.True(t, d.IsHealthy(ctx))

	dets, err := d.Detect(ctx, testFrame(), []string{"car", "person"})
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, "car", dets[0].Class)
	assert.InDelta(t, 0.88, dets[0].Confidence, 1e-6)
	assert.Equal(t, pipeline.BBox{X1: 200, Y1: 110, X2: 260, Y2: 160}, dets[0].BBox)

	req := <-requests
	assert.Equal(t, float64(42), req["frame_id"])
	assert.Equal(t, float64(pipeline.CanonicalWidth), req["width"])
	assert.Equal(t, []any{"car", "person"}, req["classes"])
	assert.NotEmpty(t, req["image_jpeg"])
}

func TestNewSelectsBackend(t *testing.T) {
	t.Parallel()

	d, err := New(Config{Backend: "http", Endpoint: "http://localhost:1"})
	require.NoError(t, err)
	assert.IsType(t, &HTTPDetector{}, d)

	d, err = New(Config{Backend: "grpc", Endpoint: "localhost:1"})
	require.NoError(t, err)
	assert.IsType(t, &GRPCDetector{}, d)
	require.NoError(t, d.Close())

	_, err = New(Config{Backend: "onnx"})
	assert.Error(t, err)
}
