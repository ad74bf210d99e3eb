// Command perf-client drives a burst of distinct users against one coupon and
// checks afterwards that the service never granted more than the stock.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"connectrpc.com/connect"
	"github.com/sethvargo/go-envconfig"
	"golang.org/x/time/rate"

	"github.com/kkkkikiki/coupon-issuer/internal/api"
)

// Config is read from PERF_* environment variables.
type Config struct {
	BaseURL    string        `env:"BASE_URL,default=http://localhost:8080"`
	Workers    int           `env:"WORKERS,default=50"`
	RPS        int           `env:"RPS,default=700"`
	Duration   time.Duration `env:"DURATION,default=30s"`
	Stock      int32         `env:"STOCK,default=10000"`
	CouponID   int64         `env:"COUPON_ID"`
	Sync       bool          `env:"SYNC,default=false"`
	DrainWait  time.Duration `env:"DRAIN_WAIT,default=2m"`
	UserOffset int64         `env:"USER_OFFSET,default=1"`
}

// PerfResult gathers aggregated metrics for the run.
// LatencySum and P95Latency are in nanoseconds.
type PerfResult struct {
	TotalRequests int64
	Accepted      int64
	OutOfStock    int64
	Duplicate     int64
	ErrorCount    int64
	LatencySum    int64
	P95Latency    int64
}

const defaultTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "perf-client: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg Config
	if err := envconfig.ProcessWith(context.Background(), &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.PrefixLookuper("PERF_", envconfig.OsLookuper()),
	}); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Workers <= 0 || cfg.RPS <= 0 {
		return errors.New("workers and rps must be positive")
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        cfg.Workers * 4,
			MaxIdleConnsPerHost: cfg.Workers * 4,
			IdleConnTimeout:     90 * time.Second,
		},
		Timeout: defaultTimeout,
	}
	client := api.NewCouponServiceClient(httpClient, cfg.BaseURL)

	couponID := cfg.CouponID
	created := couponID == 0
	if created {
		id, err := createCoupon(client, cfg.Stock)
		if err != nil {
			return err
		}
		couponID = id
		fmt.Printf("created coupon %d with stock %d\n", couponID, cfg.Stock)
	}

	mode := "queued"
	if cfg.Sync {
		mode = "sync"
	}
	fmt.Println("==========================================")
	fmt.Println("coupon issuance load test")
	fmt.Println("==========================================")
	fmt.Printf("coupon id : %d\n", couponID)
	fmt.Printf("mode      : %s\n", mode)
	fmt.Printf("rps       : %d\n", cfg.RPS)
	fmt.Printf("duration  : %v\n", cfg.Duration)
	fmt.Println("==========================================")

	burst := cfg.RPS / cfg.Workers
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.RPS), burst)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	var result PerfResult
	var wg sync.WaitGroup
	nextUser := cfg.UserOffset - 1

	latencies := make(chan time.Duration, 4096)
	p95Done := make(chan struct{})
	go func() {
		defer close(p95Done)
		trackP95(latencies, &result)
	}()

	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				userID := atomic.AddInt64(&nextUser, 1)
				doRequest(client, cfg.Sync, couponID, userID, &result, latencies)
			}
		}()
	}

	start := time.Now()
	<-ctx.Done()
	wg.Wait()
	close(latencies)
	<-p95Done
	elapsed := time.Since(start)

	fmt.Println("==========================================")
	fmt.Println("results")
	fmt.Println("==========================================")
	fmt.Printf("elapsed      : %.2fs\n", elapsed.Seconds())
	fmt.Printf("requests     : %d\n", result.TotalRequests)
	fmt.Printf("accepted     : %d\n", result.Accepted)
	fmt.Printf("out of stock : %d\n", result.OutOfStock)
	fmt.Printf("duplicate    : %d\n", result.Duplicate)
	fmt.Printf("errors       : %d\n", result.ErrorCount)

	answered := result.TotalRequests - result.ErrorCount
	var avgLatency time.Duration
	if answered > 0 {
		avgLatency = time.Duration(result.LatencySum / answered)
	}
	fmt.Printf("actual rps   : %.2f\n", float64(answered)/elapsed.Seconds())
	fmt.Printf("avg latency  : %v\n", avgLatency)
	fmt.Printf("p95 latency  : %v\n", time.Duration(result.P95Latency))

	fmt.Println("==========================================")
	fmt.Println("consistency check")
	fmt.Println("==========================================")
	if err := verifyConsistency(client, couponID, cfg.Sync, created, result.Accepted, cfg.DrainWait); err != nil {
		fmt.Printf("FAILED: %v\n", err)
		return err
	}
	fmt.Println("OK")
	return nil
}

func createCoupon(client *api.CouponServiceClient, stock int32) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	resp, err := client.CreateCoupon(ctx, connect.NewRequest(&api.CreateCouponRequest{
		Name:          fmt.Sprintf("perf-%d", time.Now().Unix()),
		TotalQuantity: stock,
		ValidFrom:     time.Now().Add(-time.Minute),
	}))
	if err != nil {
		return 0, fmt.Errorf("create coupon: %w", err)
	}
	if resp.Msg.Coupon == nil {
		return 0, errors.New("create coupon: empty response")
	}
	return resp.Msg.Coupon.ID, nil
}

// doRequest performs a single issuance RPC and classifies the outcome.
func doRequest(client *api.CouponServiceClient, syncMode bool, couponID, userID int64, result *PerfResult, latencies chan<- time.Duration) {
	// Independent context so in-flight calls finish when the run ends
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	req := connect.NewRequest(&api.IssueCouponRequest{CouponID: couponID, UserID: userID})

	start := time.Now()
	atomic.AddInt64(&result.TotalRequests, 1)

	var err error
	if syncMode {
		_, err = client.IssueCouponSync(ctx, req)
	} else {
		_, err = client.IssueCoupon(ctx, req)
	}
	latency := time.Since(start)

	switch {
	case err == nil:
		atomic.AddInt64(&result.Accepted, 1)
	case connect.CodeOf(err) == connect.CodeResourceExhausted:
		atomic.AddInt64(&result.OutOfStock, 1)
	case connect.CodeOf(err) == connect.CodeAlreadyExists:
		atomic.AddInt64(&result.Duplicate, 1)
	default:
		atomic.AddInt64(&result.ErrorCount, 1)
		return
	}

	atomic.AddInt64(&result.LatencySum, latency.Nanoseconds())
	select {
	case latencies <- latency:
	default:
	}
}

// trackP95 keeps a bounded sample of latencies and refreshes the P95
// estimate every hundred samples.
func trackP95(latencies <-chan time.Duration, result *PerfResult) {
	const size = 1000
	buf := make([]int64, 0, size)
	var seen int64

	for lat := range latencies {
		seen++
		if len(buf) < size {
			buf = append(buf, lat.Nanoseconds())
		} else {
			buf[seen%size] = lat.Nanoseconds()
		}
		if seen%100 == 0 {
			atomic.StoreInt64(&result.P95Latency, percentile(buf, 0.95))
		}
	}
	if len(buf) > 0 {
		atomic.StoreInt64(&result.P95Latency, percentile(buf, 0.95))
	}
}

func percentile(samples []int64, p float64) int64 {
	sorted := slices.Clone(samples)
	slices.Sort(sorted)
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// verifyConsistency waits for the queue to drain, then compares the service's
// counters with what the load test observed.
func verifyConsistency(client *api.CouponServiceClient, couponID int64, syncMode, created bool, accepted int64, drainWait time.Duration) error {
	deadline := time.Now().Add(drainWait)
	var snapshot *api.GetCouponResponse
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		resp, err := client.GetCoupon(ctx, connect.NewRequest(&api.GetCouponRequest{CouponID: couponID}))
		cancel()
		if err != nil {
			return fmt.Errorf("get coupon: %w", err)
		}
		snapshot = resp.Msg
		if snapshot.Queued == 0 || time.Now().After(deadline) {
			break
		}
		fmt.Printf("waiting for %d queued requests\n", snapshot.Queued)
		time.Sleep(time.Second)
	}

	total := int64(snapshot.Coupon.TotalQuantity)
	persisted := int64(snapshot.Coupon.IssuedQuantity)

	fmt.Printf("coupon id           : %d\n", couponID)
	fmt.Printf("stock               : %d\n", snapshot.Stock)
	fmt.Printf("granted (store)     : %d\n", snapshot.Issued)
	fmt.Printf("persisted (db)      : %d\n", persisted)
	fmt.Printf("accepted (client)   : %d\n", accepted)
	fmt.Printf("still queued        : %d\n", snapshot.Queued)

	if snapshot.Queued != 0 {
		return fmt.Errorf("queue not drained after %v: %d left", drainWait, snapshot.Queued)
	}
	if snapshot.Issued > total || persisted > total {
		return fmt.Errorf("over-issuance: granted=%d persisted=%d stock=%d", snapshot.Issued, persisted, total)
	}
	if persisted != snapshot.Issued {
		return fmt.Errorf("store and db disagree: granted=%d persisted=%d", snapshot.Issued, persisted)
	}
	// Every synchronous acceptance is an issuance; queued acceptances may
	// still be failed by the consumer once stock runs out.
	if syncMode && persisted != accepted {
		return fmt.Errorf("mismatch: db=%d client=%d", persisted, accepted)
	}
	if !syncMode && persisted > accepted {
		return fmt.Errorf("more issued than accepted: db=%d client=%d", persisted, accepted)
	}
	// A coupon created by this run saw no other traffic, so every accepted
	// request fits until the stock runs out.
	if created && persisted != min(accepted, total) {
		return fmt.Errorf("expected %d issued, db=%d", min(accepted, total), persisted)
	}
	return nil
}
