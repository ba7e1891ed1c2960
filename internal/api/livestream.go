package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/livestream"
	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/middleware"
	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/ws"
)

// StartRequest is the optional body of start-livestream
type StartRequest struct {
	CameraSource string `json:"camera_source"`
}

// DetectionDataResponse lists the objects tracked in the latest pass
type DetectionDataResponse struct {
	Objects []ws.ObjectDetection `json:"objects"`
}

func (s *Server) startLivestream(w http.ResponseWriter, r *http.Request) {
	var body StartRequest
	if err := decode(r, &body); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body: "+err.Error())
		return
	}
	encode(r.Context(), w, http.StatusOK, s.deps.Livestream.StartLivestream(r.Context(), body.CameraSource))
}

func (s *Server) stopLivestream(w http.ResponseWriter, r *http.Request) {
	encode(r.Context(), w, http.StatusOK, s.deps.Livestream.StopLivestream())
}

func (s *Server) livestreamStatus(w http.ResponseWriter, r *http.Request) {
	encode(r.Context(), w, http.StatusOK, s.deps.Livestream.Status())
}

func (s *Server) testConnection(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.URL.Query().Get("address_index"))
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid address index")
		return
	}

	res, err := s.deps.Livestream.TestConnection(r.Context(), index)
	if errors.Is(err, livestream.ErrInvalidIndex) {
		middleware.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid address index")
		return
	}
	if err != nil {
		middleware.WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	encode(r.Context(), w, http.StatusOK, res)
}

func (s *Server) detectionData(w http.ResponseWriter, r *http.Request) {
	dets := s.deps.Livestream.Detections()
	resp := DetectionDataResponse{Objects: make([]ws.ObjectDetection, 0, len(dets))}
	for _, d := range dets {
		resp.Objects = append(resp.Objects, ws.ObjectDetection{
			Class:      d.Class,
			Confidence: d.Confidence,
			BBox:       []float32{d.BBox.X1, d.BBox.Y1, d.BBox.X2, d.BBox.Y2},
		})
	}
	encode(r.Context(), w, http.StatusOK, resp)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	encode(r.Context(), w, http.StatusOK, s.deps.Livestream.Stats())
}
