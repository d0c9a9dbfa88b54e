package api

import (
	"net/http"

	"github.com/geoevents/geoevents/internal/aggregation"
)

// ClustersResponse is the body of GET /api/v1/events/clusters.
type ClustersResponse struct {
	Zoom     int                   `json:"zoom"`
	Clusters []aggregation.Cluster `json:"clusters"`
}

func (s *Server) handleClusters(w http.ResponseWriter, r *http.Request) {
	req, err := aggregation.ParseClusterRequest(r.URL.Query())
	if err != nil {
		s.writeServiceError(w, r, err)

		return
	}

	clusters, err := s.events.Clusters(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)

		return
	}

	if clusters == nil {
		clusters = []aggregation.Cluster{}
	}

	s.writeJSON(w, r, http.StatusOK, ClustersResponse{Zoom: req.Zoom, Clusters: clusters})
}

func (s *Server) handleHistogram(w http.ResponseWriter, r *http.Request) {
	req, err := aggregation.ParseHistogramRequest(r.URL.Query())
	if err != nil {
		s.writeServiceError(w, r, err)

		return
	}

	histogram, err := s.events.Histogram(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)

		return
	}

	if histogram.Buckets == nil {
		histogram.Buckets = []aggregation.Bucket{}
	}

	s.writeJSON(w, r, http.StatusOK, histogram)
}
