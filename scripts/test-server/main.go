// Command test-server is a local target for exercising volley runs. It
// serves the endpoints the example configurations point at, with
// injectable latency and error rates so throttling and error handling can
// be observed without a real backend.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

var (
	addr      = flag.String("addr", ":8080", "listen address")
	latency   = flag.Duration("latency", 0, "added response latency")
	jitter    = flag.Duration("jitter", 0, "random extra latency, up to this much")
	errorRate = flag.Float64("error-rate", 0, "fraction of requests answered with 500")
)

var requests atomic.Int64

func delay() {
	d := *latency
	if *jitter > 0 {
		d += time.Duration(rand.Int63n(int64(*jitter)))
	}
	if d > 0 {
		time.Sleep(d)
	}
}

func withInjection(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		delay()
		if *errorRate > 0 && rand.Float64() < *errorRate {
			http.Error(w, "injected failure", http.StatusInternalServerError)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func main() {
	flag.Parse()

	mux := http.NewServeMux()

	mux.HandleFunc("/login", withInjection(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"token": "tok-" + time.Now().Format("150405.000000"),
		})
	}))

	mux.HandleFunc("/users/", withInjection(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/users/")
		writeJSON(w, map[string]any{"id": id, "name": "user " + id})
	}))

	mux.HandleFunc("/orders", withInjection(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, map[string]any{"status": "accepted"})
	}))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"requests": requests.Load()})
	})

	server := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
	}

	log.Printf("test target listening on %s (latency=%s jitter=%s error-rate=%.2f)",
		*addr, *latency, *jitter, *errorRate)
	if err := server.ListenAndServe(); err != nil {
		log.Fatal(err)
	}
}
