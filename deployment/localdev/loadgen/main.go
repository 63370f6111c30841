// Command loadgen drives a locally running poolwarden with synthetic pool
// telemetry and error events so the detection and recovery paths can be
// exercised end to end.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"time"
)

type errorReport struct {
	Component string `json:"component"`
	Message   string `json:"message"`
}

type sample struct {
	CapturedAt    time.Time `json:"captured_at"`
	Active        int       `json:"active"`
	Max           int       `json:"max"`
	Waiting       int       `json:"waiting"`
	AcquiredTotal int64     `json:"acquired_total"`
	TimeoutTotal  int64     `json:"timeout_total"`
	AvgWaitMs     float64   `json:"avg_wait_ms"`
	P95WaitMs     float64   `json:"p95_wait_ms"`
}

var errorMessages = []string{
	"connection pool exhausted",
	"too many connections",
	"connection refused by peer",
	"timed out waiting for connection",
	"slow query on orders table",
}

func main() {
	var (
		base     string
		interval time.Duration
		degrade  bool
	)
	flag.StringVar(&base, "base", "http://localhost:8087", "poolwarden base URL")
	flag.DurationVar(&interval, "interval", 2*time.Second, "emit interval")
	flag.BoolVar(&degrade, "degrade", true, "ramp utilization toward saturation")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}
	var acquired int64
	utilization := 0.40

	for tick := 0; ; tick++ {
		if degrade && utilization < 0.97 {
			utilization += 0.01
		}
		acquired += int64(5 + rand.Intn(10))

		s := sample{
			CapturedAt:    time.Now().UTC(),
			Active:        int(utilization * 20),
			Max:           20,
			Waiting:       rand.Intn(3) + int(utilization*8),
			AcquiredTotal: acquired,
			TimeoutTotal:  int64(tick / 10),
			AvgWaitMs:     40 + utilization*300,
			P95WaitMs:     90 + utilization*900,
		}
		post(client, base+"/api/v1/samples", s)

		// Error chatter ramps up as the pool saturates.
		if rand.Float64() < utilization {
			post(client, base+"/api/v1/errors", errorReport{
				Component: "orders-db",
				Message:   errorMessages[rand.Intn(len(errorMessages))],
			})
		}

		time.Sleep(interval)
	}
}

func post(client *http.Client, url string, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		log.Printf("encode %s: %v", url, err)
		return
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		log.Printf("post %s: %v", url, err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Printf("post %s: status %d", url, resp.StatusCode)
	}
}
