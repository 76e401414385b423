// Command loadtest drives the full challenge flow (init, retrieve, solve)
// against a running AgentAuth server and reports latency percentiles.
//
// Without a known answer every solve lands in wrong_answer, which still
// exercises the whole verification pipeline; pass -answer when the target
// server runs a driver with a predictable answer.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentauth/backend/pkg/sdk"
)

// LoadTestConfig holds load test parameters.
type LoadTestConfig struct {
	BaseURL        string
	NumFlows       int
	Concurrency    int
	ReportInterval time.Duration
	Difficulty     string
	Answer         string
	StepDelay      time.Duration
}

// LoadTestStats tracks test metrics.
type LoadTestStats struct {
	TotalFlows          uint64
	SuccessfulSolves    uint64
	FailedSolves        uint64
	TransportErrors     uint64
	TotalDuration       time.Duration
	AvgLatency          time.Duration
	MaxLatency          time.Duration
	MinLatency          time.Duration
	P95Latency          time.Duration
	P99Latency          time.Duration
	ThroughputPerSecond float64

	reasonsMu sync.Mutex
	reasons   map[string]uint64
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "AgentAuth server base URL")
	numFlows := flag.Int("flows", 1000, "Number of challenge flows to run")
	concurrency := flag.Int("concurrency", 50, "Number of concurrent workers")
	reportInterval := flag.Duration("report", 5*time.Second, "Stats reporting interval")
	difficulty := flag.String("difficulty", "", "Challenge difficulty to request (empty = server default)")
	answer := flag.String("answer", "", "Answer to submit (empty = deliberate wrong answer)")
	stepDelay := flag.Duration("step-delay", 200*time.Millisecond, "Pause between retrieve and solve, to land in the AI timing zone")
	flag.Parse()

	config := LoadTestConfig{
		BaseURL:        *baseURL,
		NumFlows:       *numFlows,
		Concurrency:    *concurrency,
		ReportInterval: *reportInterval,
		Difficulty:     *difficulty,
		Answer:         *answer,
		StepDelay:      *stepDelay,
	}

	slog.Info("starting AgentAuth load test",
		"url", config.BaseURL,
		"flows", config.NumFlows,
		"concurrency", config.Concurrency,
	)
	stats := runLoadTest(config)

	printResults(stats)
}

func runLoadTest(config LoadTestConfig) *LoadTestStats {
	client := sdk.NewClient(sdk.Config{BaseURL: config.BaseURL})

	stats := &LoadTestStats{
		MinLatency: time.Hour, // initialize to a large value
		reasons:    make(map[string]uint64),
	}
	var latencies []time.Duration
	var latenciesMu sync.Mutex

	flowChan := make(chan int, config.NumFlows)
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reportStats(ctx, stats, config.ReportInterval)

	startTime := time.Now()
	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for flowID := range flowChan {
				runFlow(ctx, client, config, workerID, flowID, stats, &latencies, &latenciesMu)
			}
		}(i)
	}

	for i := 0; i < config.NumFlows; i++ {
		flowChan <- i
	}
	close(flowChan)

	wg.Wait()
	totalDuration := time.Since(startTime)

	stats.TotalDuration = totalDuration
	stats.ThroughputPerSecond = float64(stats.TotalFlows) / totalDuration.Seconds()

	latenciesMu.Lock()
	if len(latencies) > 0 {
		stats.AvgLatency = calculateAverage(latencies)
		stats.P95Latency = calculatePercentile(latencies, 95)
		stats.P99Latency = calculatePercentile(latencies, 99)
	}
	latenciesMu.Unlock()

	return stats
}

// runFlow executes one init/retrieve/solve round trip and records its latency.
func runFlow(
	ctx context.Context,
	client *sdk.Client,
	config LoadTestConfig,
	workerID, flowID int,
	stats *LoadTestStats,
	latencies *[]time.Duration,
	latenciesMu *sync.Mutex,
) {
	start := time.Now()

	initResp, err := client.InitChallenge(ctx, &sdk.InitRequest{Difficulty: config.Difficulty})
	if err != nil {
		atomic.AddUint64(&stats.TotalFlows, 1)
		atomic.AddUint64(&stats.TransportErrors, 1)
		return
	}

	if _, err := client.GetChallenge(ctx, initResp.ID, initResp.SessionToken); err != nil {
		atomic.AddUint64(&stats.TotalFlows, 1)
		atomic.AddUint64(&stats.TransportErrors, 1)
		return
	}

	// Avoid the too_fast rejection band.
	if config.StepDelay > 0 {
		select {
		case <-time.After(config.StepDelay):
		case <-ctx.Done():
			return
		}
	}

	answer := config.Answer
	if answer == "" {
		answer = fmt.Sprintf("loadtest-%d-%d", workerID, flowID)
	}
	result, err := client.Solve(ctx, initResp.ID, &sdk.SolveRequest{
		Answer: answer,
		HMAC:   sdk.ComputeHMAC(answer, initResp.SessionToken),
	})
	latency := time.Since(start)

	atomic.AddUint64(&stats.TotalFlows, 1)
	if err != nil {
		atomic.AddUint64(&stats.TransportErrors, 1)
		return
	}

	if result.Success {
		atomic.AddUint64(&stats.SuccessfulSolves, 1)
	} else {
		atomic.AddUint64(&stats.FailedSolves, 1)
		stats.reasonsMu.Lock()
		stats.reasons[result.Reason]++
		stats.reasonsMu.Unlock()
	}

	latenciesMu.Lock()
	*latencies = append(*latencies, latency)
	if latency > stats.MaxLatency {
		stats.MaxLatency = latency
	}
	if latency < stats.MinLatency {
		stats.MinLatency = latency
	}
	latenciesMu.Unlock()
}

func reportStats(ctx context.Context, stats *LoadTestStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			total := atomic.LoadUint64(&stats.TotalFlows)
			success := atomic.LoadUint64(&stats.SuccessfulSolves)
			failed := atomic.LoadUint64(&stats.FailedSolves)
			errs := atomic.LoadUint64(&stats.TransportErrors)

			slog.Info("progress",
				"flows", total,
				"solved", success,
				"rejected", failed,
				"transport_errors", errs,
				"min_latency", stats.MinLatency,
				"max_latency", stats.MaxLatency,
			)
		case <-ctx.Done():
			return
		}
	}
}

func printResults(stats *LoadTestStats) {
	separator := "================================================================================"
	divider := "--------------------------------------------------------------------------------"

	fmt.Println("\n" + separator)
	fmt.Println("AGENTAUTH LOAD TEST RESULTS")
	fmt.Println(separator)
	fmt.Printf("Total Flows:            %d\n", stats.TotalFlows)
	if stats.TotalFlows > 0 {
		fmt.Printf("Successful Solves:      %d (%.2f%%)\n",
			stats.SuccessfulSolves,
			float64(stats.SuccessfulSolves)/float64(stats.TotalFlows)*100)
		fmt.Printf("Rejected Solves:        %d (%.2f%%)\n",
			stats.FailedSolves,
			float64(stats.FailedSolves)/float64(stats.TotalFlows)*100)
		fmt.Printf("Transport Errors:       %d (%.2f%%)\n",
			stats.TransportErrors,
			float64(stats.TransportErrors)/float64(stats.TotalFlows)*100)
	}
	fmt.Println(divider)
	fmt.Printf("Total Duration:         %v\n", stats.TotalDuration)
	fmt.Printf("Throughput:             %.2f flows/sec\n", stats.ThroughputPerSecond)
	fmt.Println(divider)
	fmt.Printf("Latency (min):          %v\n", stats.MinLatency)
	fmt.Printf("Latency (avg):          %v\n", stats.AvgLatency)
	fmt.Printf("Latency (p95):          %v\n", stats.P95Latency)
	fmt.Printf("Latency (p99):          %v\n", stats.P99Latency)
	fmt.Printf("Latency (max):          %v\n", stats.MaxLatency)

	stats.reasonsMu.Lock()
	if len(stats.reasons) > 0 {
		fmt.Println(divider)
		fmt.Println("Rejections by reason:")
		reasons := make([]string, 0, len(stats.reasons))
		for r := range stats.reasons {
			reasons = append(reasons, r)
		}
		sort.Strings(reasons)
		for _, r := range reasons {
			fmt.Printf("  %-20s %d\n", r, stats.reasons[r])
		}
	}
	stats.reasonsMu.Unlock()
	fmt.Println(separator + "\n")
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

	idx := int(float64(len(sorted)) * float64(percentile) / 100.0)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}

	return sorted[idx]
}
