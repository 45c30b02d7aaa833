package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

type streamLabel struct {
	outcome string
	status  string
}

// CatalogLabel identifies a catalog lookup by the layer that answered it and
// the result ("hit", "miss" or "error").
type CatalogLabel struct {
	Source string
	Result string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests, media
// stream transfers, catalog lookups and dependency health. Writers are
// coordinated through a RWMutex; the hot stream gauges and byte counter are
// atomics.
type Recorder struct {
	mu                sync.RWMutex
	requestCount      map[requestLabel]uint64
	requestDuration   map[requestLabel]time.Duration
	streamResponses   map[streamLabel]uint64
	streamAborts      map[string]uint64
	catalogLookups    map[CatalogLabel]uint64
	dependencyValue   map[string]float64
	dependencyState   map[string]string
	streamBytes       atomic.Uint64
	activeStreams     atomic.Int64
	limiterRejections atomic.Uint64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers can
// immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		streamResponses: make(map[streamLabel]uint64),
		streamAborts:    make(map[string]uint64),
		catalogLookups:  make(map[CatalogLabel]uint64),
		dependencyValue: make(map[string]float64),
		dependencyState: make(map[string]string),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: strconv.Itoa(status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveStreamResponse counts a resolved stream response by outcome and
// status code.
func (r *Recorder) ObserveStreamResponse(outcome string, status int) {
	label := streamLabel{outcome: normalizeName(outcome), status: strconv.Itoa(status)}
	r.mu.Lock()
	r.streamResponses[label]++
	r.mu.Unlock()
}

// ObserveStreamBytes adds to the total number of media bytes sent.
func (r *Recorder) ObserveStreamBytes(n int64) {
	if n <= 0 {
		return
	}
	r.streamBytes.Add(uint64(n))
}

// ObserveStreamAbort counts a transfer that ended before its window was
// fully sent.
func (r *Recorder) ObserveStreamAbort(reason string) {
	normalized := normalizeName(reason)
	r.mu.Lock()
	r.streamAborts[normalized]++
	r.mu.Unlock()
}

// StreamStarted increments the active transfer gauge.
func (r *Recorder) StreamStarted() {
	r.activeStreams.Add(1)
}

// StreamStopped decrements the active transfer gauge, guarding against
// negative counts when concurrent updates race.
func (r *Recorder) StreamStopped() {
	r.decrementGauge(&r.activeStreams)
}

// ObserveLimiterRejection counts a stream request turned away because the
// concurrent transfer limit was reached.
func (r *Recorder) ObserveLimiterRejection() {
	r.limiterRejections.Add(1)
}

// ObserveCatalogLookup counts a catalog lookup answered by source.
func (r *Recorder) ObserveCatalogLookup(source, result string) {
	label := CatalogLabel{Source: normalizeName(source), Result: normalizeName(result)}
	r.mu.Lock()
	r.catalogLookups[label]++
	r.mu.Unlock()
}

// SetDependencyHealth normalizes dependency identifiers, maps status strings
// to numeric health values, and stores both representations for export.
func (r *Recorder) SetDependencyHealth(service, status string) {
	normalizedService := normalizeName(service)
	normalizedStatus := strings.ToLower(strings.TrimSpace(status))
	value := 0.0
	switch normalizedStatus {
	case "ok", "healthy":
		value = 1
	case "disabled":
		value = 0
	default:
		value = -1
	}
	r.mu.Lock()
	r.dependencyValue[normalizedService] = value
	r.dependencyState[normalizedService] = normalizedStatus
	r.mu.Unlock()
}

// ActiveStreams exposes the current number of in-flight transfers.
func (r *Recorder) ActiveStreams() int64 {
	return r.activeStreams.Load()
}

// StreamBytes exposes the total number of media bytes sent.
func (r *Recorder) StreamBytes() uint64 {
	return r.streamBytes.Load()
}

// LimiterRejections exposes the number of stream requests rejected by the
// concurrency limiter.
func (r *Recorder) LimiterRejections() uint64 {
	return r.limiterRejections.Load()
}

// StreamResponseCount returns the number of stream responses recorded for the
// outcome and status pair.
func (r *Recorder) StreamResponseCount(outcome string, status int) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.streamResponses[streamLabel{outcome: normalizeName(outcome), status: strconv.Itoa(status)}]
}

// StreamAbortCount returns the number of aborted transfers for reason.
func (r *Recorder) StreamAbortCount(reason string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.streamAborts[normalizeName(reason)]
}

// CatalogLookups returns a copy of the catalog lookup counters.
func (r *Recorder) CatalogLookups() map[CatalogLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[CatalogLabel]uint64, len(r.catalogLookups))
	for k, v := range r.catalogLookups {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.streamResponses = make(map[streamLabel]uint64)
	r.streamAborts = make(map[string]uint64)
	r.catalogLookups = make(map[CatalogLabel]uint64)
	r.dependencyValue = make(map[string]float64)
	r.dependencyState = make(map[string]string)
	r.streamBytes.Store(0)
	r.activeStreams.Store(0)
	r.limiterRejections.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting label
// sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	streamLabels := r.sortedStreamLabels()
	abortReasons := sortedKeys(r.streamAborts)
	catalogLabels := r.sortedCatalogLabels()
	dependencies := sortedKeys(r.dependencyValue)

	fmt.Fprintln(w, "# HELP coursemedia_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE coursemedia_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "coursemedia_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP coursemedia_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE coursemedia_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "coursemedia_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP coursemedia_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE coursemedia_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "coursemedia_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP coursemedia_stream_responses_total Stream responses by outcome and status")
	fmt.Fprintln(w, "# TYPE coursemedia_stream_responses_total counter")
	for _, label := range streamLabels {
		fmt.Fprintf(w, "coursemedia_stream_responses_total{outcome=\"%s\",status=\"%s\"} %d\n", label.outcome, label.status, r.streamResponses[label])
	}

	fmt.Fprintln(w, "# HELP coursemedia_stream_bytes_total Media bytes sent to clients")
	fmt.Fprintln(w, "# TYPE coursemedia_stream_bytes_total counter")
	fmt.Fprintf(w, "coursemedia_stream_bytes_total %d\n", r.streamBytes.Load())

	fmt.Fprintln(w, "# HELP coursemedia_stream_aborts_total Transfers that ended before the window was sent")
	fmt.Fprintln(w, "# TYPE coursemedia_stream_aborts_total counter")
	for _, reason := range abortReasons {
		fmt.Fprintf(w, "coursemedia_stream_aborts_total{reason=\"%s\"} %d\n", reason, r.streamAborts[reason])
	}

	fmt.Fprintln(w, "# HELP coursemedia_active_streams Current number of in-flight media transfers")
	fmt.Fprintln(w, "# TYPE coursemedia_active_streams gauge")
	fmt.Fprintf(w, "coursemedia_active_streams %d\n", r.activeStreams.Load())

	fmt.Fprintln(w, "# HELP coursemedia_stream_limiter_rejections_total Stream requests rejected by the concurrency limit")
	fmt.Fprintln(w, "# TYPE coursemedia_stream_limiter_rejections_total counter")
	fmt.Fprintf(w, "coursemedia_stream_limiter_rejections_total %d\n", r.limiterRejections.Load())

	fmt.Fprintln(w, "# HELP coursemedia_catalog_lookups_total Catalog lookups by answering layer and result")
	fmt.Fprintln(w, "# TYPE coursemedia_catalog_lookups_total counter")
	for _, label := range catalogLabels {
		fmt.Fprintf(w, "coursemedia_catalog_lookups_total{source=\"%s\",result=\"%s\"} %d\n", label.Source, label.Result, r.catalogLookups[label])
	}

	fmt.Fprintln(w, "# HELP coursemedia_dependency_health Health reported by dependencies (1=ok,0=disabled,-1=degraded)")
	fmt.Fprintln(w, "# TYPE coursemedia_dependency_health gauge")
	for _, service := range dependencies {
		fmt.Fprintf(w, "coursemedia_dependency_health{service=\"%s\",status=\"%s\"} %f\n", service, r.dependencyState[service], r.dependencyValue[service])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedStreamLabels() []streamLabel {
	labels := make([]streamLabel, 0, len(r.streamResponses))
	for label := range r.streamResponses {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].outcome != labels[j].outcome {
			return labels[i].outcome < labels[j].outcome
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedCatalogLabels() []CatalogLabel {
	labels := make([]CatalogLabel, 0, len(r.catalogLookups))
	for label := range r.catalogLookups {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Source != labels[j].Source {
			return labels[i].Source < labels[j].Source
		}
		return labels[i].Result < labels[j].Result
	})
	return labels
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

// looksLikeIdentifier treats numeric segments and long opaque tokens as IDs so
// per-media paths collapse into one label.
func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	for _, r := range segment {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// SetDependencyHealth updates dependency health on the default recorder.
func SetDependencyHealth(service, status string) {
	defaultRecorder.SetDependencyHealth(service, status)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
