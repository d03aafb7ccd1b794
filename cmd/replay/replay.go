package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// Call is one row of the replay CSV.
type Call struct {
	ID          int64
	Source      string
	Destination string
	StartedAt   time.Time
	EndedAt     time.Time

	// Expected is the price the call must be billed at. Zero value when
	// the row carries none.
	Expected    decimal.Decimal
	HasExpected bool
}

// Metrics tracks replay results.
type Metrics struct {
	Total      int64
	Billed     int64
	Checked    int64
	Mismatches int64
	Errors     int64

	ProcessingTimeMs int64
}

var requiredColumns = []string{"call_id", "source", "destination", "started_at", "ended_at"}

// readCallsCSV reads calls from r. Times are unix seconds or RFC 3339.
func readCallsCSV(r io.Reader, limit int) ([]Call, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, col := range requiredColumns {
		if _, ok := colIndex[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}
	priceCol, hasPrice := colIndex["expected_price"]

	var calls []Call
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		id, err := strconv.ParseInt(record[colIndex["call_id"]], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: call_id: %w", line, err)
		}
		started, err := parseTime(record[colIndex["started_at"]])
		if err != nil {
			return nil, fmt.Errorf("line %d: started_at: %w", line, err)
		}
		ended, err := parseTime(record[colIndex["ended_at"]])
		if err != nil {
			return nil, fmt.Errorf("line %d: ended_at: %w", line, err)
		}

		call := Call{
			ID:          id,
			Source:      record[colIndex["source"]],
			Destination: record[colIndex["destination"]],
			StartedAt:   started,
			EndedAt:     ended,
		}
		if hasPrice && record[priceCol] != "" {
			if call.Expected, err = decimal.NewFromString(record[priceCol]); err != nil {
				return nil, fmt.Errorf("line %d: expected_price: %w", line, err)
			}
			call.HasExpected = true
		}

		calls = append(calls, call)
		if limit > 0 && len(calls) >= limit {
			break
		}
	}

	return calls, nil
}

func parseTime(s string) (time.Time, error) {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339, s)
}

type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string, timeout time.Duration) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *client) checkHealth() error {
	resp, err := c.http.Get(c.baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

type recordRequest struct {
	ID          int64  `json:"id"`
	Type        string `json:"type"`
	Timestamp   int64  `json:"timestamp"`
	CallID      int64  `json:"call_id"`
	Source      string `json:"source,omitempty"`
	Destination string `json:"destination,omitempty"`
}

type callResponse struct {
	ID   int64 `json:"id"`
	Bill *struct {
		ID    string `json:"id"`
		Price string `json:"price"`
	} `json:"bill"`
}

func (c *client) postRecord(rec recordRequest) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	resp, err := c.http.Post(c.baseURL+"/calls/records", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("record %d: status %d: %s", rec.ID, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

func (c *client) getCall(id int64) (*callResponse, error) {
	resp, err := c.http.Get(c.baseURL + "/calls/" + strconv.FormatInt(id, 10))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("call %d: status %d", id, resp.StatusCode)
	}

	var result callResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

// replayCall posts both records of call and waits up to wait for its bill.
// Record ids are derived from the call id.
func (c *client) replayCall(call Call, wait time.Duration) (decimal.Decimal, error) {
	start := recordRequest{
		ID:          call.ID * 2,
		Type:        "start",
		Timestamp:   call.StartedAt.Unix(),
		CallID:      call.ID,
		Source:      call.Source,
		Destination: call.Destination,
	}
	end := recordRequest{
		ID:        call.ID*2 + 1,
		Type:      "end",
		Timestamp: call.EndedAt.Unix(),
		CallID:    call.ID,
	}

	if err := c.postRecord(start); err != nil {
		return decimal.Decimal{}, err
	}
	if err := c.postRecord(end); err != nil {
		return decimal.Decimal{}, err
	}

	deadline := time.Now().Add(wait)
	for {
		resp, err := c.getCall(call.ID)
		if err != nil {
			return decimal.Decimal{}, err
		}
		if resp.Bill != nil {
			return decimal.NewFromString(resp.Bill.Price)
		}
		if time.Now().After(deadline) {
			return decimal.Decimal{}, fmt.Errorf("call %d: no bill after %s", call.ID, wait)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func replay(c *client, calls []Call, numWorkers int, wait time.Duration, verbose bool) *Metrics {
	metrics := &Metrics{}
	if numWorkers < 1 {
		numWorkers = 1
	}

	work := make(chan Call, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for call := range work {
				start := time.Now()
				price, err := c.replayCall(call, wait)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.Total, 1)

				if err != nil {
					atomic.AddInt64(&metrics.Errors, 1)
					if verbose {
						fmt.Printf("ERROR: call %d -> %v\n", call.ID, err)
					}
					continue
				}
				atomic.AddInt64(&metrics.Billed, 1)

				status := " "
				if call.HasExpected {
					atomic.AddInt64(&metrics.Checked, 1)
					status = "ok"
					if !price.Equal(call.Expected) {
						atomic.AddInt64(&metrics.Mismatches, 1)
						status = "MISMATCH"
					}
				}

				if verbose {
					fmt.Printf("%-8s call %-8d | %s -> %s | %s | price %s\n",
						status,
						call.ID,
						call.StartedAt.Format(time.RFC3339),
						call.EndedAt.Format(time.RFC3339),
						call.EndedAt.Sub(call.StartedAt),
						price.StringFixed(2),
					)
				}
			}
		}()
	}

	for _, call := range calls {
		work <- call
	}
	close(work)

	wg.Wait()

	return metrics
}
