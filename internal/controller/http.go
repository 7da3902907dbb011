package controller

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ChuLiYu/fractalpool/pkg/types"
)

// Handler serves the pool user's status next to the Prometheus metrics:
//
//	/metrics    Prometheus exposition
//	/status     current image, counts and sessions
//	/elements   pool membership
//	/failovers  failovers of the current image
//	/health     liveness check
func (c *Controller) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.metrics.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, c.Status())
	})
	mux.HandleFunc("/elements", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, struct {
			Elements []types.PoolElement `json:"elements"`
		}{Elements: c.deps.Registry.Elements()})
	})
	mux.HandleFunc("/failovers", func(w http.ResponseWriter, _ *http.Request) {
		failovers := c.Failovers()
		if failovers == nil {
			failovers = []types.Failover{}
		}
		writeJSON(w, struct {
			Failovers []types.Failover `json:"failovers"`
		}{Failovers: failovers})
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// NewServer returns the HTTP server for Handler on port.
func (c *Controller) NewServer(port int) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           c.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
