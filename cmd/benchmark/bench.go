// Command benchmark builds the gateway, starts it against a mock
// OpenAI-compatible upstream and drives it with vegeta.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	vegeta "github.com/tsenart/vegeta/v12/lib"
)

const (
	mockPort = 9091
	appPort  = 8081
	apiKey   = "bench-key"
)

var (
	streamChunks = [][]byte{
		[]byte(`data: {"id":"bench","model":"gpt-bench","choices":[{"index":0,"delta":{"role":"assistant","content":"Bench"}}]}` + "\n\n"),
		[]byte(`data: {"id":"bench","model":"gpt-bench","choices":[{"index":0,"delta":{"content":"mark"}}]}` + "\n\n"),
		[]byte(`data: {"id":"bench","model":"gpt-bench","choices":[{"index":0,"delta":{"content":" response"}}]}` + "\n\n"),
		[]byte(`data: {"id":"bench","model":"gpt-bench","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}` + "\n\n"),
		[]byte(`data: {"id":"bench","model":"gpt-bench","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}` + "\n\n"),
	}
	streamDone = []byte("data: [DONE]\n\n")
	unaryResp  = []byte(`{"id":"bench-1","model":"gpt-bench","choices":[{"index":0,"message":{"role":"assistant","content":"Hello"},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":1,"total_tokens":6}}`)
)

func main() {
	duration := flag.Duration("duration", 10*time.Second, "length of the attack")
	rate := flag.Int("rate", 50, "requests per second")
	stream := flag.Bool("stream", false, "use streaming requests")
	strategy := flag.String("strategy", "default", "routing strategy sent with every request")
	chaos := flag.Bool("chaos", false, "add clients that disconnect mid-stream")
	flag.Parse()

	go startMockUpstream()

	workDir, err := os.MkdirTemp("", "gateway-bench")
	if err != nil {
		log.Fatalf("temp dir: %v", err)
	}
	defer os.RemoveAll(workDir)

	bin := filepath.Join(workDir, "server")
	fmt.Println("building gateway...")
	build := exec.Command("go", "build", "-o", bin, "./cmd/server")
	build.Stdout, build.Stderr = os.Stdout, os.Stderr
	if err := build.Run(); err != nil {
		log.Fatalf("build failed: %v", err)
	}

	configFile := filepath.Join(workDir, "config.yaml")
	if err := os.WriteFile(configFile, []byte(benchConfig(filepath.Join(workDir, "bench.db"))), 0o600); err != nil {
		log.Fatalf("write config: %v", err)
	}

	logFile, err := os.Create("bench_server.log")
	if err != nil {
		log.Fatalf("log file: %v", err)
	}
	defer logFile.Close()

	cmd := exec.Command(bin)
	cmd.Env = append(os.Environ(), "CONFIG_FILE="+configFile)
	cmd.Stdout, cmd.Stderr = logFile, logFile
	if err := cmd.Start(); err != nil {
		log.Fatalf("start gateway: %v", err)
	}
	defer func() {
		_ = cmd.Process.Signal(os.Interrupt)
		_ = cmd.Wait()
	}()

	base := fmt.Sprintf("http://localhost:%d", appPort)
	waitForApp(base + "/health")

	done := make(chan struct{})
	go monitorResources(cmd.Process.Pid, done)

	payload := map[string]any{
		"model":    "gpt-bench",
		"strategy": *strategy,
		"stream":   *stream,
		"messages": []map[string]string{{"role": "user", "content": "Hello"}},
	}
	body, _ := json.Marshal(payload)

	targeter := func(t *vegeta.Target) error {
		t.Method = http.MethodPost
		t.URL = base + "/v1/chat/completions"
		t.Body = body
		t.Header = http.Header{
			"Content-Type":  []string{"application/json"},
			"Authorization": []string{"Bearer " + apiKey},
			"X-User-ID":     []string{"bench"},
		}
		return nil
	}

	if *chaos {
		workers := min(max(*rate/10, 5), 50)
		go startChaosMonkey(base+"/v1/chat/completions", workers, done)
	}

	mode := "unary"
	if *stream {
		mode = "streaming"
	}
	fmt.Printf("running %s benchmark: %s at %d req/s (strategy=%s)\n", mode, *duration, *rate, *strategy)

	attacker := vegeta.NewAttacker(vegeta.KeepAlive(true))
	var metrics vegeta.Metrics
	for res := range attacker.Attack(targeter, vegeta.Rate{Freq: *rate, Per: time.Second}, *duration, "gateway") {
		metrics.Add(res)
	}
	metrics.Close()
	close(done)

	fmt.Println("--------------------------------------------------")
	fmt.Println("p50:        ", metrics.Latencies.P50)
	fmt.Println("p99:        ", metrics.Latencies.P99)
	fmt.Println("max:        ", metrics.Latencies.Max)
	fmt.Printf("success:     %.2f%%\n", metrics.Success*100)
	fmt.Printf("throughput:  %.2f req/s\n", metrics.Throughput)
	codes := make([]string, 0, len(metrics.StatusCodes))
	for code := range metrics.StatusCodes {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		fmt.Printf("status %s:  %d\n", code, metrics.StatusCodes[code])
	}
	fmt.Println("--------------------------------------------------")

	printGatewayMetrics(base + "/metrics")

	seen := make(map[string]bool)
	for _, msg := range metrics.Errors {
		if len(seen) == 5 {
			break
		}
		if !seen[msg] {
			seen[msg] = true
			fmt.Println("error:", msg)
		}
	}
}

func startChaosMonkey(url string, workers int, done chan struct{}) {
	fmt.Printf("chaos: %d clients disconnecting after 1-200ms\n", workers)
	var wg sync.WaitGroup
	client := &http.Client{}
	payload := `{"model":"gpt-bench","stream":true,"messages":[{"role":"user","content":"chaos"}]}`

	for range workers {
		wg.Go(func() {
			for {
				select {
				case <-done:
					return
				default:
				}
				timeout := time.Duration(rand.Intn(200)+1) * time.Millisecond
				ctx, cancel := context.WithTimeout(context.Background(), timeout)
				req, _ := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(payload))
				req.Header.Set("Content-Type", "application/json")
				req.Header.Set("Authorization", "Bearer "+apiKey)
				if resp, err := client.Do(req); err == nil {
					resp.Body.Close()
				}
				cancel()
				time.Sleep(time.Duration(rand.Intn(50)) * time.Millisecond)
			}
		})
	}
	wg.Wait()
}

func startMockUpstream() {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"gpt-bench","object":"model","owned_by":"bench"}]}`))
	})

	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Stream bool `json:"stream"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		if !req.Stream {
			time.Sleep(10 * time.Millisecond)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(unaryResp)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, chunk := range streamChunks {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(20 * time.Millisecond):
			}
			_, _ = w.Write(chunk)
			flusher.Flush()
		}
		_, _ = w.Write(streamDone)
		flusher.Flush()
	})

	_ = http.ListenAndServe(fmt.Sprintf(":%d", mockPort), mux)
}

// monitorResources samples CPU and RSS of the gateway process with ps.
func monitorResources(pid int, done chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	fmt.Printf("%-10s %-10s %-10s\n", "time", "rss(MB)", "cpu(%)")
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			out, err := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "rss=,%cpu=").Output()
			if err != nil {
				continue
			}
			fields := strings.Fields(string(out))
			if len(fields) < 2 {
				continue
			}
			rss, _ := strconv.ParseFloat(fields[0], 64)
			fmt.Printf("%-10s %-10.2f %-10s\n", time.Now().Format("15:04:05"), rss/1024, fields[1])
		}
	}
}

// printGatewayMetrics shows the gateway's own counters after the run.
func printGatewayMetrics(url string) {
	resp, err := http.Get(url)
	if err != nil {
		return
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "gateway_requests_total") ||
			strings.HasPrefix(line, "gateway_request_logs_dropped_total") ||
			strings.HasPrefix(line, "gateway_route_decisions_total") {
			fmt.Println(line)
		}
	}
}

func waitForApp(url string) {
	for range 40 {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(250 * time.Millisecond)
	}
	log.Fatal("gateway did not become ready")
}

func benchConfig(dbPath string) string {
	return fmt.Sprintf(`
user_id: bench
server:
  port: "%d"
  env: production
  api_keys: [%q]
rate_limit:
  requests_per_second: 100000
  burst: 100000
log:
  level: error
database:
  dsn: %q
health:
  enabled: false
analytics:
  buffer_size: 10000
providers:
  - id: mock-a
    type: openai
    default: true
    api_key: mock
    base_url: "http://localhost:%d/v1"
  - id: mock-b
    type: openai
    api_key: mock
    base_url: "http://localhost:%d/v1"
`, appPort, apiKey, dbPath, mockPort, mockPort)
}
