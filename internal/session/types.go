package session

import (
	"encoding/json"
	"math"
)

// Status is the top-level lifecycle of a scan.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusScanning Status = "scanning"
	StatusDone     Status = "done"
)

// Phase is the sub-stage of a scan reported by the server.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseMainScan  Phase = "main_scan"
	PhaseRetryScan Phase = "retry_scan"
	PhaseDone      Phase = "done"
)

// Result is one resolved subdomain. Field names match what the server emits.
type Result struct {
	Subdomain string `json:"Subdomain"`
	IPAddress string `json:"IPAddress"`
}

// Session is a snapshot of the scan state exposed to observers.
type Session struct {
	// RequestID identifies the scan started last; empty before the first scan.
	RequestID string `json:"request_id,omitempty"`

	// Results in arrival order, reset only by StartScan and ClearResults.
	Results []Result `json:"results"`

	Status        Status  `json:"status"`
	Phase         Phase   `json:"phase"`
	Message       string  `json:"message"`
	Progress      float64 `json:"progress"`
	FailedCount   int     `json:"failed_count"`
	TotalRetrying int     `json:"total_retrying"`

	// Summary is only non-empty once Status is done.
	Summary string `json:"summary"`

	// Counters reported by the server.
	Scanned       int     `json:"scanned"`
	Total         int     `json:"total"`
	TotalRequests int     `json:"total_requests"`
	TotalRetries  int     `json:"total_retries"`
	Duration      float64 `json:"duration_seconds"`
}

func newIdleSession() Session {
	return Session{
		Results: []Result{},
		Status:  StatusIdle,
		Phase:   PhaseIdle,
	}
}

func (s Session) clone() Session {
	results := make([]Result, len(s.Results))
	copy(results, s.Results)
	s.Results = results
	return s
}

// apply overwrites every field except Results and RequestID with the update.
// Nothing is merged from the previous state.
func (s *Session) apply(u StatusUpdate) {
	phase := u.Phase
	if phase == "" {
		phase = PhaseMainScan
	}
	summary := ""
	if u.Status == StatusDone {
		phase = PhaseDone
		summary = u.Summary
	}

	s.Status = u.Status
	s.Phase = phase
	s.Message = u.Message
	s.Progress = u.Progress
	s.FailedCount = count(u.Failed)
	s.TotalRetrying = count(u.TotalRetrying)
	s.Summary = summary
	s.Scanned = count(u.Scanned)
	s.Total = count(u.Total)
	s.TotalRequests = count(u.TotalRequests)
	s.TotalRetries = count(u.TotalRetries)
	s.Duration = u.Duration
}

// count converts a wire number to a count. Servers may send counts as 2.0 or 1e3.
func count(v float64) int {
	return int(math.Round(v))
}

// StatusUpdate is the scan_status payload. Absent fields decode to their zero
// value. Counts are plain JSON numbers on the wire and are rounded when applied.
type StatusUpdate struct {
	Status        Status  `json:"status"`
	Message       string  `json:"message"`
	Progress      float64 `json:"progress"`
	Failed        float64 `json:"failed"`
	Phase         Phase   `json:"phase"`
	TotalRetrying float64 `json:"total_retrying"`
	Summary       string  `json:"summary"`
	Scanned       float64 `json:"scanned"`
	Total         float64 `json:"total"`
	TotalRequests float64 `json:"totalRequests"`
	TotalRetries  float64 `json:"totalRetries"`
	Duration      float64 `json:"duration"`
}

// Wordlist selects the candidate names for a scan: either an inline list or
// the key of a list the server already knows.
type Wordlist struct {
	words  []string
	key    string
	inline bool
}

// InlineWordlist sends the given words with the request. An empty list is
// still sent as an inline list.
func InlineWordlist(words ...string) Wordlist {
	w := make([]string, len(words))
	copy(w, words)
	return Wordlist{words: w, inline: true}
}

// WordlistKey references a server-side wordlist by name.
func WordlistKey(key string) Wordlist {
	return Wordlist{key: key}
}

// IsInline reports whether the words travel with the request.
func (w Wordlist) IsInline() bool { return w.inline }

// Words returns the inline words, nil for a keyed wordlist.
func (w Wordlist) Words() []string { return w.words }

// Key returns the server-side wordlist key, empty for an inline wordlist.
func (w Wordlist) Key() string { return w.key }

// ScanOptions tunes how the server runs the scan.
type ScanOptions struct {
	Concurrency int
	Adaptive    bool
	// MaxQPS caps queries per second; 0 leaves it to the server.
	MaxQPS      int
	EnableRetry bool
}

// ScanRequest is the start_scan payload. Wordlist and WordlistKey are
// mutually exclusive: a nil Wordlist means WordlistKey is sent.
type ScanRequest struct {
	Domain      string
	Concurrency int
	Adaptive    bool
	MaxQPS      int
	EnableRetry bool
	Wordlist    []string
	WordlistKey string
	DNSServers  []string
}

// NewScanRequest builds the payload for one scan.
func NewScanRequest(domain string, wordlist Wordlist, dnsServers []string, opts ScanOptions) ScanRequest {
	req := ScanRequest{
		Domain:      domain,
		Concurrency: opts.Concurrency,
		Adaptive:    opts.Adaptive,
		MaxQPS:      opts.MaxQPS,
		EnableRetry: opts.EnableRetry,
	}
	if wordlist.IsInline() {
		req.Wordlist = wordlist.Words()
		if req.Wordlist == nil {
			req.Wordlist = []string{}
		}
	} else {
		req.WordlistKey = wordlist.Key()
	}
	if len(dnsServers) > 0 {
		req.DNSServers = append([]string(nil), dnsServers...)
	}
	return req
}

type scanRequestWire struct {
	Domain      string    `json:"domain"`
	Concurrency int       `json:"concurrency"`
	Adaptive    bool      `json:"adaptive"`
	MaxQPS      int       `json:"maxQPS"`
	EnableRetry bool      `json:"enable_retry"`
	Wordlist    *[]string `json:"wordlist,omitempty"`
	WordlistKey *string   `json:"wordlist_key,omitempty"`
	DNSServers  []string  `json:"dns_servers,omitempty"`
}

// MarshalJSON emits exactly one of wordlist and wordlist_key, and omits
// dns_servers when there are none.
func (r ScanRequest) MarshalJSON() ([]byte, error) {
	w := scanRequestWire{
		Domain:      r.Domain,
		Concurrency: r.Concurrency,
		Adaptive:    r.Adaptive,
		MaxQPS:      r.MaxQPS,
		EnableRetry: r.EnableRetry,
		DNSServers:  r.DNSServers,
	}
	if r.Wordlist != nil {
		words := r.Wordlist
		w.Wordlist = &words
	} else {
		key := r.WordlistKey
		w.WordlistKey = &key
	}
	return json.Marshal(w)
}
