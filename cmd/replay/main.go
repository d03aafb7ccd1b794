// Replay tool for checking a running callbill against known call charges.
//
// Usage:
//
//	go run ./cmd/replay -csv /path/to/calls.csv -url http://localhost:8080
//
// This tool:
//  1. Reads calls from CSV (call_id, source, destination, started_at, ended_at, expected_price)
//  2. Posts the start and end record of each call
//  3. Reads the call back and compares its bill with the expected price
//  4. Reports mismatches, errors and throughput
package main

import (
	"flag"
	"fmt"
	"os"
	"time"
)

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to calls CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "callbill base URL")
	limit := flag.Int("limit", 0, "Maximum calls to replay (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	wait := flag.Duration("wait", 5*time.Second, "How long to wait for a bill when billing is async")
	verbose := flag.Bool("verbose", false, "Print each call result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: replay -csv /path/to/calls.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Printf("CSV File:  %s\n", *csvPath)
	fmt.Printf("URL:       %s\n", *baseURL)
	fmt.Printf("Workers:   %d\n", *workers)
	fmt.Printf("Limit:     %d\n", *limit)
	fmt.Println()

	client := newClient(*baseURL, 10*time.Second)

	if err := client.checkHealth(); err != nil {
		fmt.Printf("ERROR: callbill not reachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}
	fmt.Println("callbill is healthy")

	f, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	calls, err := readCallsCSV(f, *limit)
	f.Close()
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d calls\n", len(calls))

	fmt.Printf("\nReplaying with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := replay(client, calls, *workers, *wait, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)

	if metrics.Mismatches > 0 || metrics.Errors > 0 {
		os.Exit(1)
	}
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nRESULTS")
	fmt.Printf("   Total Calls:   %d\n", m.Total)
	fmt.Printf("   Billed:        %d\n", m.Billed)
	fmt.Printf("   Checked:       %d\n", m.Checked)
	fmt.Printf("   Mismatches:    %d\n", m.Mismatches)
	fmt.Printf("   Errors:        %d\n", m.Errors)

	fmt.Println("\nPERFORMANCE")
	fmt.Printf("   Total Duration:  %v\n", duration.Round(time.Millisecond))
	if m.Total > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.Total)
		cps := float64(m.Total) / duration.Seconds()
		fmt.Printf("   Avg Latency:     %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:      %.2f calls/sec\n", cps)
	}
	fmt.Println()
}
