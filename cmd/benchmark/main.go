package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	accounts    int
	hotToken    string
)

// Metrics
var (
	totalRequests uint64
	success200    uint64 // Charged or unmetered unfollows
	replayed      uint64 // Idempotent replays
	fail402       uint64 // Out of credits
	fail429       uint64 // Remote rate limited
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "hotspot", "Workload type: hotspot | uniform | retry")
	flag.IntVar(&accounts, "accounts", 1000, "Seeded accounts available to the uniform workload")
	flag.StringVar(&hotToken, "token", fmt.Sprintf("%032x", 1), "Session token hammered by the hotspot and retry workloads")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 30 * time.Second}

	for time.Since(start) < duration {
		token, target, key := nextRequest()
		body, _ := json.Marshal(map[string]string{"user_id": target})

		req, _ := http.NewRequest("POST", targetURL+"/unfollow", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Session-Token", token)
		req.Header.Set("Idempotency-Key", key)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case 200:
			var out struct {
				Replayed bool `json:"replayed"`
			}
			json.NewDecoder(resp.Body).Decode(&out)
			if out.Replayed {
				atomic.AddUint64(&replayed, 1)
			} else {
				atomic.AddUint64(&success200, 1)
			}
		case 402:
			atomic.AddUint64(&fail402, 1)
		case 429:
			atomic.AddUint64(&fail429, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

// nextRequest picks the session, target and idempotency key for one unfollow.
// hotspot: every worker spends from one token, so charged successes must never exceed its balance.
// retry: one token with a small key space, so most requests are replays.
// uniform: random seeded tokens.
func nextRequest() (token, target, key string) {
	switch workload {
	case "retry":
		target = fmt.Sprintf("retry-target-%d", rand.Intn(20))
		return hotToken, target, "unfollow:" + target
	case "uniform":
		token = fmt.Sprintf("%032x", rand.Intn(accounts)+1)
	default:
		token = hotToken
	}
	target = uuid.NewString()
	return token, target, uuid.NewString()
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s200 := atomic.LoadUint64(&success200)
	rep := atomic.LoadUint64(&replayed)
	f402 := atomic.LoadUint64(&fail402)
	f429 := atomic.LoadUint64(&fail429)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	rejectRate := 0.0
	if total > 0 {
		rejectRate = float64(f402) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":              workload,
		"duration_sec":          d.Seconds(),
		"total_requests":        total,
		"throughput_tps":        tps,
		"success_charged":       s200,
		"success_replay":        rep,
		"rejected_insufficient": f402,
		"reject_rate_pct":       rejectRate,
		"rate_limited":          f429,
		"errors":                fErr,
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("Could not write %s: %v", filename, err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
