// Package stats aggregates load test measurements from many clients and
// prints a summary with percentile distributions.
package stats

import (
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"sync"
	"time"
)

// Collector is goroutine-safe.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	relayLatencies   []time.Duration
	errors           int
	connections      int
	timeouts         int
	rateLimited      int
	startTime        time.Time
	scraper          *Scraper
	out              io.Writer
}

// NewCollector creates a Collector that reports to stdout.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now(), out: os.Stdout}
}

// SetOutput redirects Report.
func (c *Collector) SetOutput(w io.Writer) {
	c.mu.Lock()
	c.out = w
	c.mu.Unlock()
}

// SetScraper attaches a relay metrics scraper; Report then includes its
// summary.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a successful connection.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddRelayLatency records the time from sending a signal to its delivery at
// the other end.
func (c *Collector) AddRelayLatency(d time.Duration) {
	c.mu.Lock()
	c.relayLatencies = append(c.relayLatencies, d)
	c.mu.Unlock()
}

func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// AddTimeout records a signal that never arrived.
func (c *Collector) AddTimeout() {
	c.mu.Lock()
	c.timeouts++
	c.mu.Unlock()
}

func (c *Collector) AddRateLimited() {
	c.mu.Lock()
	c.rateLimited++
	c.mu.Unlock()
}

func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// RelayCount returns the number of delivered signals.
func (c *Collector) RelayCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.relayLatencies)
}

// Report prints the summary.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.out

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Fprintf(w, "Connections:  %d\n", c.connections)
	fmt.Fprintf(w, "Errors:       %d\n", c.errors)
	if c.connections > 0 {
		fmt.Fprintf(w, "Error rate:   %.2f%%\n", float64(c.errors)/float64(c.connections)*100)
	}
	if c.timeouts > 0 || c.rateLimited > 0 {
		fmt.Fprintf(w, "Timeouts:     %d\n", c.timeouts)
		fmt.Fprintf(w, "Rate limited: %d\n", c.rateLimited)
	}

	if len(c.connectLatencies) > 0 {
		fmt.Fprintln(w, "\n--- Connect Latency ---")
		fmt.Fprintln(w, " ", summarize(c.connectLatencies))
	}
	if len(c.relayLatencies) > 0 {
		fmt.Fprintln(w, "\n--- Relay Latency ---")
		fmt.Fprintln(w, " ", summarize(c.relayLatencies))
	}

	if c.scraper != nil {
		c.scraper.Report(w)
	}
	fmt.Fprintln(w)
}

// Summary is a percentile distribution.
type Summary struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

func (s Summary) String() string {
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		s.Avg.Round(time.Microsecond),
		s.P50.Round(time.Microsecond),
		s.P95.Round(time.Microsecond),
		s.P99.Round(time.Microsecond),
		s.Max.Round(time.Microsecond),
		s.N,
	)
}

// summarize sorts durations in place.
func summarize(durations []time.Duration) Summary {
	n := len(durations)
	if n == 0 {
		return Summary{}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return Summary{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: durations[n/2],
		P95: durations[int(math.Ceil(float64(n)*0.95))-1],
		P99: durations[int(math.Ceil(float64(n)*0.99))-1],
		Max: durations[n-1],
	}
}
