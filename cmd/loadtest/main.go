// loadtest measures webhook fan-out through a running proxy: it attaches
// streaming edges, posts signed webhooks at the ingress, and reports
// delivery latency from POST to stream line.
//
// The bearer must be a credential the proxy accepts and -workspace must be
// the workspace that credential maps to, otherwise nothing is delivered.
package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgebridge/proxy/pkg/edge"
)

type LoadTestConfig struct {
	ProxyURL       string
	WebhookSecret  string
	Token          string
	Workspace      string
	Edges          int
	Webhooks       int
	Concurrency    int
	ReportInterval time.Duration
}

type LoadTestStats struct {
	Sent      atomic.Uint64
	Delivered atomic.Uint64
	PostFails atomic.Uint64

	mu        sync.Mutex
	latencies []time.Duration
	min, max  time.Duration
}

func (s *LoadTestStats) record(latency time.Duration) {
	s.Delivered.Add(1)
	s.mu.Lock()
	s.latencies = append(s.latencies, latency)
	if s.min == 0 || latency < s.min {
		s.min = latency
	}
	if latency > s.max {
		s.max = latency
	}
	s.mu.Unlock()
}

func main() {
	proxyURL := flag.String("proxy", "http://localhost:3000", "proxy base URL")
	secret := flag.String("secret", os.Getenv("LINEAR_WEBHOOK_SECRET"), "webhook signing secret")
	token := flag.String("token", os.Getenv("PROXY_TOKEN"), "bearer for edge connections")
	workspace := flag.String("workspace", "", "workspace id carried in test payloads")
	edges := flag.Int("edges", 2, "streaming edge connections to attach")
	webhooks := flag.Int("webhooks", 200, "webhooks to post")
	concurrency := flag.Int("concurrency", 4, "concurrent webhook posters")
	reportInterval := flag.Duration("report", 5*time.Second, "progress reporting interval")
	flag.Parse()

	if *secret == "" || *token == "" || *workspace == "" {
		fmt.Fprintln(os.Stderr, "loadtest needs -secret, -token and -workspace (or the matching env vars)")
		os.Exit(1)
	}

	config := LoadTestConfig{
		ProxyURL:       *proxyURL,
		WebhookSecret:  *secret,
		Token:          *token,
		Workspace:      *workspace,
		Edges:          *edges,
		Webhooks:       *webhooks,
		Concurrency:    *concurrency,
		ReportInterval: *reportInterval,
	}

	fmt.Printf("Fan-out load test: %d webhooks -> %d edges via %s\n",
		config.Webhooks, config.Edges, config.ProxyURL)

	stats, elapsed := runLoadTest(config)
	printResults(config, stats, elapsed)
}

func runLoadTest(config LoadTestConfig) (*LoadTestStats, time.Duration) {
	stats := &LoadTestStats{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Attach the edges first; a webhook posted before attachment is
	// legitimately dropped and would skew delivery counts.
	var attached sync.WaitGroup
	attached.Add(config.Edges)
	for i := 0; i < config.Edges; i++ {
		once := sync.Once{}
		client := edge.NewClient(edge.Config{
			ProxyURL:  config.ProxyURL,
			Token:     config.Token,
			OnConnect: func() { once.Do(attached.Done) },
			OnWebhook: func(env edge.Envelope) {
				var payload struct {
					SentAt int64 `json:"sentAt"`
				}
				if json.Unmarshal(env.Data, &payload) == nil && payload.SentAt > 0 {
					stats.record(time.Since(time.Unix(0, payload.SentAt)))
				}
			},
		})
		go client.Listen(ctx)
	}
	attached.Wait()

	go reportStats(ctx, config, stats)

	// Post the webhooks through a small worker pool.
	seqs := make(chan int)
	var posters sync.WaitGroup
	start := time.Now()
	for i := 0; i < config.Concurrency; i++ {
		posters.Add(1)
		go func() {
			defer posters.Done()
			for seq := range seqs {
				postWebhook(config, stats, seq)
			}
		}()
	}
	for seq := 0; seq < config.Webhooks; seq++ {
		seqs <- seq
	}
	close(seqs)
	posters.Wait()

	// Deliveries trail the last POST; give them a moment to land.
	expected := uint64(config.Webhooks * config.Edges)
	deadline := time.After(10 * time.Second)
	for stats.Delivered.Load() < expected {
		select {
		case <-deadline:
			return stats, time.Since(start)
		case <-time.After(50 * time.Millisecond):
		}
	}
	return stats, time.Since(start)
}

func postWebhook(config LoadTestConfig, stats *LoadTestStats, seq int) {
	body := fmt.Sprintf(`{"organizationId":%q,"action":"loadtest","type":"Diagnostic","seq":%d,"sentAt":%d}`,
		config.Workspace, seq, time.Now().UnixNano())

	mac := hmac.New(sha256.New, []byte(config.WebhookSecret))
	mac.Write([]byte(body))
	sig := hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequest(http.MethodPost, config.ProxyURL+"/webhook", strings.NewReader(body))
	if err != nil {
		stats.PostFails.Add(1)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("linear-signature", sig)

	resp, err := http.DefaultClient.Do(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		stats.PostFails.Add(1)
		if resp != nil {
			resp.Body.Close()
		}
		return
	}
	resp.Body.Close()
	stats.Sent.Add(1)
}

func reportStats(ctx context.Context, config LoadTestConfig, stats *LoadTestStats) {
	ticker := time.NewTicker(config.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fmt.Printf("progress: sent=%d delivered=%d post_failures=%d\n",
				stats.Sent.Load(), stats.Delivered.Load(), stats.PostFails.Load())
		case <-ctx.Done():
			return
		}
	}
}

func printResults(config LoadTestConfig, stats *LoadTestStats, elapsed time.Duration) {
	separator := strings.Repeat("=", 64)
	divider := strings.Repeat("-", 64)

	expected := uint64(config.Webhooks * config.Edges)
	delivered := stats.Delivered.Load()

	stats.mu.Lock()
	avg := calculateAverage(stats.latencies)
	p95 := calculatePercentile(stats.latencies, 95)
	p99 := calculatePercentile(stats.latencies, 99)
	min, max := stats.min, stats.max
	stats.mu.Unlock()

	fmt.Println("\n" + separator)
	fmt.Println("FAN-OUT LOAD TEST RESULTS")
	fmt.Println(separator)
	fmt.Printf("Webhooks posted:      %d (%d failed)\n", stats.Sent.Load(), stats.PostFails.Load())
	fmt.Printf("Deliveries:           %d / %d expected\n", delivered, expected)
	fmt.Println(divider)
	fmt.Printf("Duration:             %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Delivery throughput:  %.1f envelopes/sec\n", float64(delivered)/elapsed.Seconds())
	fmt.Println(divider)
	fmt.Printf("Latency (min):        %v\n", min)
	fmt.Printf("Latency (avg):        %v\n", avg)
	fmt.Printf("Latency (p95):        %v\n", p95)
	fmt.Printf("Latency (p99):        %v\n", p99)
	fmt.Printf("Latency (max):        %v\n", max)
	fmt.Println(separator)

	failed := false
	if delivered < expected {
		failed = true
		fmt.Printf("FAIL: %d envelopes never arrived\n", expected-delivered)
	} else {
		fmt.Println("PASS: every webhook reached every edge")
	}
	if p95 >= 500*time.Millisecond {
		fmt.Println("WARN: p95 fan-out latency above 500ms")
	} else {
		fmt.Println("PASS: p95 fan-out latency under 500ms")
	}
	if failed {
		os.Exit(1)
	}
}

func calculateAverage(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	return total / time.Duration(len(latencies))
}

func calculatePercentile(latencies []time.Duration, percentile int) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := len(sorted) * percentile / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
