package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
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

// AuthAttemptLabel identifies an authentication attempt by protocol
// ("fingerprint", "device", "refresh") and outcome ("success", "failure").
type AuthAttemptLabel struct {
	Protocol string
	Outcome  string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, carrier authentication attempts, OTP traffic, and recharge
// outcomes. It coordinates concurrent writers via a RWMutex while exposing a
// thread-safe gauge for in-flight authentication attempts.
type Recorder struct {
	mu                 sync.RWMutex
	requestCount       map[requestLabel]uint64
	requestDuration    map[requestLabel]time.Duration
	authAttempts       map[AuthAttemptLabel]uint64
	accountHealthValue map[string]float64
	accountHealthState map[string]string
	otpEvents          map[string]uint64
	rechargeCount      map[string]uint64
	rechargeAmount     map[string]int64
	activeAuth         atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:       make(map[requestLabel]uint64),
		requestDuration:    make(map[requestLabel]time.Duration),
		authAttempts:       make(map[AuthAttemptLabel]uint64),
		accountHealthValue: make(map[string]float64),
		accountHealthState: make(map[string]string),
		otpEvents:          make(map[string]uint64),
		rechargeCount:      make(map[string]uint64),
		rechargeAmount:     make(map[string]int64),
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
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// AuthAttemptStarted increments the in-flight authentication gauge.
func (r *Recorder) AuthAttemptStarted() {
	r.activeAuth.Add(1)
}

// ObserveAuthAttempt records a finished authentication attempt and decrements
// the in-flight gauge, guarding against negative counts when updates race.
func (r *Recorder) ObserveAuthAttempt(protocol string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	label := AuthAttemptLabel{Protocol: normalizeName(protocol), Outcome: outcome}
	r.mu.Lock()
	r.authAttempts[label]++
	r.mu.Unlock()
	r.decrementGauge(&r.activeAuth)
}

// ActiveAuthAttempts exposes the current gauge of in-flight authentication
// attempts.
func (r *Recorder) ActiveAuthAttempts() int64 {
	return r.activeAuth.Load()
}

// SetAccountHealth normalizes account state strings, maps them to numeric
// health values, and stores both representations for export.
func (r *Recorder) SetAccountHealth(account, state string) {
	normalizedAccount := normalizeName(account)
	normalizedState := normalizeName(state)
	value := 0.0
	switch normalizedState {
	case "valid":
		value = 1
	case "expiring_soon":
		value = 0.5
	case "failed":
		value = -1
	}
	r.mu.Lock()
	r.accountHealthValue[normalizedAccount] = value
	r.accountHealthState[normalizedAccount] = normalizedState
	r.mu.Unlock()
}

// ObserveOTPEvent records OTP mailbox traffic keyed by event type (e.g.,
// "received", "delivered", "buffered", "timeout").
func (r *Recorder) ObserveOTPEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.otpEvents[normalized]++
	r.mu.Unlock()
}

// ObserveRecharge tracks recharge outcomes, capturing counts and total
// amounts in guaraníes by terminal status.
func (r *Recorder) ObserveRecharge(status string, amount int64) {
	normalized := normalizeName(status)
	r.mu.Lock()
	r.rechargeCount[normalized]++
	r.rechargeAmount[normalized] += amount
	r.mu.Unlock()
}

// AuthAttemptCounts returns a copy of the authentication attempt counters for
// testing and reporting purposes.
func (r *Recorder) AuthAttemptCounts() map[AuthAttemptLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[AuthAttemptLabel]uint64, len(r.authAttempts))
	for k, v := range r.authAttempts {
		counts[k] = v
	}
	return counts
}

// RechargeCounts returns copies of the recharge counters and amount totals.
func (r *Recorder) RechargeCounts() (counts map[string]uint64, amounts map[string]int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts = make(map[string]uint64, len(r.rechargeCount))
	for k, v := range r.rechargeCount {
		counts[k] = v
	}
	amounts = make(map[string]int64, len(r.rechargeAmount))
	for k, v := range r.rechargeAmount {
		amounts[k] = v
	}
	return counts, amounts
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.authAttempts = make(map[AuthAttemptLabel]uint64)
	r.accountHealthValue = make(map[string]float64)
	r.accountHealthState = make(map[string]string)
	r.otpEvents = make(map[string]uint64)
	r.rechargeCount = make(map[string]uint64)
	r.rechargeAmount = make(map[string]int64)
	r.activeAuth.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	authLabels := r.sortedAuthLabels()
	accounts := r.sortedAccounts()
	otpEvents := r.sortedOTPEvents()
	rechargeStatuses := r.sortedRechargeStatuses()

	fmt.Fprintln(w, "# HELP recharge_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE recharge_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "recharge_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP recharge_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE recharge_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "recharge_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP recharge_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE recharge_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "recharge_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP recharge_auth_attempts_total Carrier authentication attempts by protocol and outcome")
	fmt.Fprintln(w, "# TYPE recharge_auth_attempts_total counter")
	for _, label := range authLabels {
		count := r.authAttempts[label]
		fmt.Fprintf(w, "recharge_auth_attempts_total{protocol=\"%s\",outcome=\"%s\"} %d\n", label.Protocol, label.Outcome, count)
	}

	fmt.Fprintln(w, "# HELP recharge_auth_inflight Current number of in-flight authentication attempts")
	fmt.Fprintln(w, "# TYPE recharge_auth_inflight gauge")
	fmt.Fprintf(w, "recharge_auth_inflight %d\n", r.activeAuth.Load())

	fmt.Fprintln(w, "# HELP recharge_account_health Account session health (1=valid,0.5=expiring,0=authenticating,-1=failed)")
	fmt.Fprintln(w, "# TYPE recharge_account_health gauge")
	for _, account := range accounts {
		value := r.accountHealthValue[account]
		state := r.accountHealthState[account]
		fmt.Fprintf(w, "recharge_account_health{account=\"%s\",state=\"%s\"} %f\n", account, state, value)
	}

	fmt.Fprintln(w, "# HELP recharge_otp_events_total OTP mailbox events by type")
	fmt.Fprintln(w, "# TYPE recharge_otp_events_total counter")
	for _, event := range otpEvents {
		count := r.otpEvents[event]
		fmt.Fprintf(w, "recharge_otp_events_total{event=\"%s\"} %d\n", event, count)
	}

	fmt.Fprintln(w, "# HELP recharge_orders_total Recharge orders by terminal status")
	fmt.Fprintln(w, "# TYPE recharge_orders_total counter")
	for _, status := range rechargeStatuses {
		count := r.rechargeCount[status]
		fmt.Fprintf(w, "recharge_orders_total{status=\"%s\"} %d\n", status, count)
	}

	fmt.Fprintln(w, "# HELP recharge_orders_amount_sum Total recharge amount in guaraníes by terminal status")
	fmt.Fprintln(w, "# TYPE recharge_orders_amount_sum counter")
	for _, status := range rechargeStatuses {
		amount := r.rechargeAmount[status]
		fmt.Fprintf(w, "recharge_orders_amount_sum{status=\"%s\"} %d\n", status, amount)
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

func (r *Recorder) sortedAuthLabels() []AuthAttemptLabel {
	labels := make([]AuthAttemptLabel, 0, len(r.authAttempts))
	for label := range r.authAttempts {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Protocol != labels[j].Protocol {
			return labels[i].Protocol < labels[j].Protocol
		}
		return labels[i].Outcome < labels[j].Outcome
	})
	return labels
}

func (r *Recorder) sortedAccounts() []string {
	accounts := make([]string, 0, len(r.accountHealthValue))
	for account := range r.accountHealthValue {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)
	return accounts
}

func (r *Recorder) sortedOTPEvents() []string {
	events := make([]string, 0, len(r.otpEvents))
	for event := range r.otpEvents {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

func (r *Recorder) sortedRechargeStatuses() []string {
	seen := make(map[string]struct{}, len(r.rechargeCount)+len(r.rechargeAmount))
	for status := range r.rechargeCount {
		seen[status] = struct{}{}
	}
	for status := range r.rechargeAmount {
		seen[status] = struct{}{}
	}
	statuses := make([]string, 0, len(seen))
	for status := range seen {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)
	return statuses
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
			continue
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

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 12 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
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

// ObserveAuthAttempt records an authentication outcome on the default recorder.
func ObserveAuthAttempt(protocol string, success bool) {
	defaultRecorder.ObserveAuthAttempt(protocol, success)
}

// SetAccountHealth updates account health on the default recorder.
func SetAccountHealth(account, state string) {
	defaultRecorder.SetAccountHealth(account, state)
}

// ObserveOTPEvent records OTP traffic on the default recorder.
func ObserveOTPEvent(event string) {
	defaultRecorder.ObserveOTPEvent(event)
}

// ObserveRecharge records a recharge outcome on the default recorder.
func ObserveRecharge(status string, amount int64) {
	defaultRecorder.ObserveRecharge(status, amount)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
