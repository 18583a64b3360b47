package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/VanDung-dev/EchoMesh/discovery"
	"github.com/VanDung-dev/EchoMesh/identity"
	"github.com/VanDung-dev/EchoMesh/node"
	"github.com/VanDung-dev/EchoMesh/overlay"
	"github.com/VanDung-dev/EchoMesh/router"
)

// BenchConfig holds configuration for the mesh benchmark.
type BenchConfig struct {
	Nodes        int
	RequestCount int
	Duration     time.Duration
	Timeout      time.Duration
	Directed     bool
	ReportFile   string
}

// BenchResult holds the results of a benchmark run.
type BenchResult struct {
	TotalRequests  int64
	CompleteRounds int64
	PartialRounds  int64
	Replies        int64
	TotalDuration  time.Duration
	AvgLatency     time.Duration
	MinLatency     time.Duration
	MaxLatency     time.Duration
	RequestsPerSec float64
}

var responseMarker = []byte("response from ")

// replyCounter signals once per observed response line.
type replyCounter struct {
	replies chan struct{}
}

func (c *replyCounter) Write(p []byte) (int, error) {
	for i := bytes.Count(p, responseMarker); i > 0; i-- {
		select {
		case c.replies <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

type benchNode struct {
	id    peer.ID
	input chan string
	loop  *node.Loop
	disc  *discovery.Static
}

func main() {
	config := parseFlags()

	fmt.Println("=== EchoMesh Mesh Benchmark ===")
	fmt.Printf("Nodes: %d\n", config.Nodes)
	fmt.Printf("Duration: %v\n", config.Duration)
	fmt.Printf("Directed: %v\n", config.Directed)
	fmt.Println()

	result, err := runBench(config)
	if err != nil {
		log.Fatalf("Benchmark failed: %v", err)
	}

	printResults(result)

	if config.ReportFile != "" {
		saveReport(config, result)
	}
}

func parseFlags() BenchConfig {
	config := BenchConfig{}

	flag.IntVar(&config.Nodes, "nodes", 8, "Number of in-memory nodes")
	flag.IntVar(&config.RequestCount, "n", 0, "Total number of requests (0 = unlimited, use -d instead)")
	flag.DurationVar(&config.Duration, "d", 10*time.Second, "Duration of test")
	flag.DurationVar(&config.Timeout, "timeout", time.Second, "Time to wait for the replies of one request")
	flag.BoolVar(&config.Directed, "directed", false, "Address each request to one peer instead of broadcasting")
	flag.StringVar(&config.ReportFile, "o", "", "Output report file (JSON)")

	flag.Parse()

	if config.Nodes < 2 {
		log.Fatalf("need at least 2 nodes, got %d", config.Nodes)
	}
	return config
}

func startMesh(ctx context.Context, count int, counter *replyCounter) ([]*benchNode, error) {
	hub := overlay.NewMemoryHub()
	nodes := make([]*benchNode, 0, count)
	for i := 0; i < count; i++ {
		id, err := identity.Generate()
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, &benchNode{id: id.ID, input: make(chan string)})
	}

	for i, n := range nodes {
		seeds := make(map[peer.ID]string, count-1)
		for _, other := range nodes {
			if other != n {
				seeds[other.id] = "mem://" + other.id.String()
			}
		}
		n.disc = discovery.NewStatic(seeds)

		out := &replyCounter{replies: make(chan struct{})}
		if i == 0 {
			// Only the first node issues requests.
			out = counter
		}
		n.loop = node.New(node.Options{
			Settings:  node.Settings{Self: n.id, ReplyText: fmt.Sprintf("node-%d", i), Policy: router.PolicyDirected},
			Transport: hub.Join(n.id),
			Discovery: n.disc,
			Input:     n.input,
			Output:    out,
		})
		if err := n.disc.Start(ctx); err != nil {
			return nil, err
		}
		go func(l *node.Loop) { _ = l.Run(ctx) }(n.loop)
	}
	return nodes, nil
}

func runBench(config BenchConfig) (BenchResult, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	counter := &replyCounter{replies: make(chan struct{}, 4*config.Nodes)}
	nodes, err := startMesh(ctx, config.Nodes, counter)
	if err != nil {
		return BenchResult{}, err
	}
	sender := nodes[0]

	// Let every loop consume its seed events first.
	time.Sleep(100 * time.Millisecond)

	var (
		totalReqs    int64
		complete     int64
		partial      int64
		replies      int64
		totalLatency int64
		minLatency   int64 = 1<<63 - 1
		maxLatency   int64
	)

	expected := config.Nodes - 1
	if config.Directed {
		expected = 1
	}

	startTime := time.Now()
	deadline := startTime.Add(config.Duration)

	for i := 0; ; i++ {
		if config.RequestCount > 0 && i >= config.RequestCount {
			break
		}
		if config.RequestCount == 0 && time.Now().After(deadline) {
			break
		}

		line := node.CmdOthers
		if config.Directed {
			line = nodes[1+i%(len(nodes)-1)].id.String()
		}

		start := time.Now()
		sender.input <- line
		totalReqs++

		got := waitReplies(counter, expected, config.Timeout)
		latency := int64(time.Since(start))
		replies += int64(got)

		if got < expected {
			partial++
			continue
		}
		complete++
		totalLatency += latency
		if latency < minLatency {
			minLatency = latency
		}
		if latency > maxLatency {
			maxLatency = latency
		}
	}

	for _, n := range nodes {
		n.input <- node.CmdExit
		_ = n.disc.Close()
	}

	duration := time.Since(startTime)
	var avgLatency time.Duration
	if complete > 0 {
		avgLatency = time.Duration(totalLatency / complete)
	} else {
		minLatency = 0
	}

	return BenchResult{
		TotalRequests:  totalReqs,
		CompleteRounds: complete,
		PartialRounds:  partial,
		Replies:        replies,
		TotalDuration:  duration,
		AvgLatency:     avgLatency,
		MinLatency:     time.Duration(minLatency),
		MaxLatency:     time.Duration(maxLatency),
		RequestsPerSec: float64(totalReqs) / duration.Seconds(),
	}, nil
}

func waitReplies(counter *replyCounter, expected int, timeout time.Duration) int {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	got := 0
	for got < expected {
		select {
		case <-counter.replies:
			got++
		case <-timer.C:
			return got
		}
	}
	return got
}

func printResults(result BenchResult) {
	fmt.Println("=== Results ===")
	fmt.Printf("Duration:        %v\n", result.TotalDuration.Round(time.Millisecond))
	fmt.Printf("Total Requests:  %d\n", result.TotalRequests)
	if result.TotalRequests > 0 {
		fmt.Printf("Complete:        %d (%.2f%%)\n", result.CompleteRounds, float64(result.CompleteRounds)/float64(result.TotalRequests)*100)
		fmt.Printf("Partial:         %d (%.2f%%)\n", result.PartialRounds, float64(result.PartialRounds)/float64(result.TotalRequests)*100)
	}
	fmt.Printf("Replies:         %d\n", result.Replies)
	fmt.Printf("Requests/sec:    %.2f\n", result.RequestsPerSec)
	fmt.Printf("Avg Latency:     %v\n", result.AvgLatency.Round(time.Microsecond))
	fmt.Printf("Min Latency:     %v\n", result.MinLatency.Round(time.Microsecond))
	fmt.Printf("Max Latency:     %v\n", result.MaxLatency.Round(time.Microsecond))
}

func saveReport(config BenchConfig, result BenchResult) {
	report := map[string]any{
		"config": map[string]any{
			"nodes":    config.Nodes,
			"directed": config.Directed,
			"duration": config.Duration.String(),
			"timeout":  config.Timeout.String(),
		},
		"results": map[string]any{
			"total_requests":   result.TotalRequests,
			"complete_rounds":  result.CompleteRounds,
			"partial_rounds":   result.PartialRounds,
			"replies":          result.Replies,
			"requests_per_sec": result.RequestsPerSec,
			"avg_latency_ms":   float64(result.AvgLatency.Microseconds()) / 1000,
			"min_latency_ms":   float64(result.MinLatency.Microseconds()) / 1000,
			"max_latency_ms":   float64(result.MaxLatency.Microseconds()) / 1000,
		},
		"timestamp": time.Now().Format(time.RFC3339),
	}

	data, _ := json.MarshalIndent(report, "", "  ")
	if err := os.WriteFile(config.ReportFile, data, 0644); err != nil {
		log.Printf("Failed to write report: %v", err)
	} else {
		fmt.Printf("Report saved to: %s\n", config.ReportFile)
	}
}
