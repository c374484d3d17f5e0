/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = 5 * time.Second

// JSONStats is what we want to report as stats via http
type JSONStats struct {
	counters

	registry *prometheus.Registry
}

// NewJSONStats returns a new JSONStats
func NewJSONStats() *JSONStats {
	s := &JSONStats{}
	s.init()
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(&collector{stats: s})
	return s
}

// Handler returns http handler serving JSON counters on / and prometheus metrics on /metrics
func (s *JSONStats) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRequest)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}

// Start runs http server until ctx is done
func (s *JSONStats) Start(ctx context.Context, monitoringport int) error {
	addr := fmt.Sprintf(":%d", monitoringport)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Errorf("Failed to stop http json server: %v", err)
		}
	}()
	log.Infof("Starting http json server on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start listener: %w", err)
	}
	return nil
}

// handleRequest is a handler used for all http monitoring requests
func (s *JSONStats) handleRequest(w http.ResponseWriter, _ *http.Request) {
	js, err := json.Marshal(s.toMap())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err = w.Write(js); err != nil {
		log.Errorf("Failed to reply: %v", err)
	}
}

// Reset atomically sets all the counters to 0
func (s *JSONStats) Reset() {
	s.reset()
}

// IncTX atomically add 1 to the counter
func (s *JSONStats) IncTX() {
	atomic.AddInt64(&s.tx, 1)
}

// IncTXError atomically add 1 to the counter
func (s *JSONStats) IncTXError() {
	atomic.AddInt64(&s.txErrors, 1)
}

// IncLate atomically add 1 to the counter
func (s *JSONStats) IncLate() {
	atomic.AddInt64(&s.late, 1)
}

// IncHWTS atomically add 1 to the counter
func (s *JSONStats) IncHWTS() {
	atomic.AddInt64(&s.hwts, 1)
}

// IncHWTSMissing atomically add 1 to the counter
func (s *JSONStats) IncHWTSMissing() {
	atomic.AddInt64(&s.hwtsMissing, 1)
}

// IncTXTimeError atomically add 1 to the counter
func (s *JSONStats) IncTXTimeError() {
	atomic.AddInt64(&s.txtimeErrors, 1)
}

// AddDiscarded atomically adds n to the counter
func (s *JSONStats) AddDiscarded(n int64) {
	atomic.AddInt64(&s.discarded, n)
}

// SetSequence atomically sets the last used sequence number
func (s *JSONStats) SetSequence(seq uint32) {
	atomic.StoreInt64(&s.sequence, int64(seq))
}

// AddDeviation records deviation of hardware TX timestamp from the schedule
func (s *JSONStats) AddDeviation(ns int64) {
	s.deviation.add(ns)
}

// Counters returns a copy of all counters
func (s *JSONStats) Counters() map[string]int64 {
	return s.toMap()
}
