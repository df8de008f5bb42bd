package main

import (
	"encoding/json"
	"log"
	"math/rand"
	"net/http"
	"time"
)

type sloValueRequest struct {
	Service string `json:"service"`
	Metric  string `json:"metric"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

type serviceGraphEdge struct {
	Source    string  `json:"source"`
	Target    string  `json:"target"`
	CallRate  float64 `json:"call_rate"`
	ErrorRate float64 `json:"error_rate"`
}

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/slo/value", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var req sloValueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		// Degraded availability, healthy latency. Enough to exercise both
		// polarities during local development.
		value := 99.95 - rand.Float64()*5
		if req.Metric == "latency_p99_ms" {
			value = 150 + rand.Float64()*80
		}
		writeJSON(w, map[string]any{
			"service": req.Service,
			"metric":  req.Metric,
			"value":   value,
		})
	})

	mux.HandleFunc("/api/v1/service-graph", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		writeJSON(w, map[string]any{
			"edges": []serviceGraphEdge{
				{Source: "checkout-api", Target: "payment-service", CallRate: 320.0, ErrorRate: 0.07},
				{Source: "payment-service", Target: "payments-db", CallRate: 280.0, ErrorRate: 0.11},
				{Source: "checkout-api", Target: "inventory", CallRate: 110.0, ErrorRate: 0.02},
			},
		})
	})

	logger := log.New(log.Writer(), "observe-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    ":9090",
		Handler: logRequests(logger, mux),
	}

	logger.Println("listening on :9090")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
