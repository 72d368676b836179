package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
)

var (
	endpoint      = flag.String("endpoint", "localhost:4317", "OTLP gRPC endpoint")
	duration      = flag.Duration("duration", 60*time.Second, "Test duration")
	ratePerSecond = flag.Int("rate", 5000, "Target data points per second")
	numWorkers    = flag.Int("workers", 10, "Number of concurrent workers")
	batchSize     = flag.Int("batch", 100, "Data points per request")
	definition    = flag.String("definition", "revenue", "Metric definition id to report")
	cardinality   = flag.Int("cardinality", 1000, "Distinct dimension sets per day")
	days          = flag.Int("days", 30, "Distinct daily periods to spread points over")
)

type Stats struct {
	pointsSent     atomic.Uint64
	pointsAccepted atomic.Uint64
	pointsRejected atomic.Uint64
	requestsFailed atomic.Uint64
	totalLatency   atomic.Uint64
	requests       atomic.Uint64
}

func main() {
	flag.Parse()

	log.Printf("Starting load test:")
	log.Printf("  Endpoint: %s", *endpoint)
	log.Printf("  Duration: %s", *duration)
	log.Printf("  Target rate: %d points/sec", *ratePerSecond)
	log.Printf("  Workers: %d", *numWorkers)
	log.Printf("  Batch size: %d", *batchSize)
	log.Printf("  Key space: %d dimension sets x %d days", *cardinality, *days)

	conn, err := grpc.NewClient(*endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	client := colmetricspb.NewMetricsServiceClient(conn)

	stats := &Stats{}
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	go reportStats(ctx, stats)

	var wg sync.WaitGroup
	requestsPerWorker := *ratePerSecond / *numWorkers / *batchSize
	if requestsPerWorker < 1 {
		requestsPerWorker = 1
	}
	tickInterval := time.Second / time.Duration(requestsPerWorker)

	for i := 0; i < *numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			runWorker(ctx, client, workerID, tickInterval, stats)
		}(i)
	}

	wg.Wait()

	printFinalStats(stats)
}

func runWorker(ctx context.Context, client colmetricspb.MetricsServiceClient, workerID int, tickInterval time.Duration, stats *Stats) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sendBatch(ctx, client, rng, stats)
		}
	}
}

func sendBatch(ctx context.Context, client colmetricspb.MetricsServiceClient, rng *rand.Rand, stats *Stats) {
	points := generatePoints(*batchSize, rng)

	req := &colmetricspb.ExportMetricsServiceRequest{
		ResourceMetrics: []*metricspb.ResourceMetrics{
			{
				Resource: &resourcepb.Resource{
					Attributes: []*commonpb.KeyValue{
						stringAttr("service.name", "metricsnap-benchmark"),
					},
				},
				ScopeMetrics: []*metricspb.ScopeMetrics{
					{
						Scope: &commonpb.InstrumentationScope{
							Name:    "benchmark",
							Version: "1.0.0",
						},
						Metrics: []*metricspb.Metric{
							{
								Name: *definition,
								Data: &metricspb.Metric_Gauge{Gauge: &metricspb.Gauge{DataPoints: points}},
							},
						},
					},
				},
			},
		},
	}

	start := time.Now()
	resp, err := client.Export(ctx, req)
	latency := time.Since(start)

	stats.requests.Add(1)
	stats.totalLatency.Add(uint64(latency.Milliseconds()))
	stats.pointsSent.Add(uint64(len(points)))

	if err != nil {
		stats.requestsFailed.Add(1)
		stats.pointsRejected.Add(uint64(len(points)))
		return
	}
	rejected := uint64(resp.GetPartialSuccess().GetRejectedDataPoints())
	stats.pointsRejected.Add(rejected)
	stats.pointsAccepted.Add(uint64(len(points)) - rejected)
}

// generatePoints draws keys from a bounded space so that a long run keeps
// superseding snapshots it recorded earlier.
func generatePoints(count int, rng *rand.Rand) []*metricspb.NumberDataPoint {
	points := make([]*metricspb.NumberDataPoint, count)
	today := time.Now().UTC().Truncate(24 * time.Hour)

	for i := 0; i < count; i++ {
		start := today.AddDate(0, 0, -rng.Intn(*days))
		end := start.AddDate(0, 0, 1)
		key := rng.Intn(*cardinality)

		points[i] = &metricspb.NumberDataPoint{
			StartTimeUnixNano: uint64(start.UnixNano()),
			TimeUnixNano:      uint64(end.UnixNano()),
			Value:             &metricspb.NumberDataPoint_AsDouble{AsDouble: float64(rng.Intn(1000000)) / 100},
			Attributes: []*commonpb.KeyValue{
				stringAttr("region", fmt.Sprintf("region-%d", key%10)),
				{
					Key:   "segment",
					Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: int64(key / 10)}},
				},
				{
					Key:   "snapshot.duration_ms",
					Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: rng.Int63n(500)}},
				},
			},
		}
	}

	return points
}

func stringAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func reportStats(ctx context.Context, stats *Stats) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	lastPoints := uint64(0)
	lastTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			currentPoints := stats.pointsAccepted.Load()
			currentTime := time.Now()
			elapsed := currentTime.Sub(lastTime).Seconds()

			rate := float64(currentPoints-lastPoints) / elapsed
			avgLatency := float64(0)
			if req := stats.requests.Load(); req > 0 {
				avgLatency = float64(stats.totalLatency.Load()) / float64(req)
			}

			log.Printf("Rate: %.0f points/sec | Accepted: %d | Rejected: %d | Failed requests: %d | Avg Latency: %.2f ms",
				rate,
				stats.pointsAccepted.Load(),
				stats.pointsRejected.Load(),
				stats.requestsFailed.Load(),
				avgLatency,
			)

			lastPoints = currentPoints
			lastTime = currentTime
		}
	}
}

func printFinalStats(stats *Stats) {
	fmt.Println("\n=== Final Statistics ===")
	fmt.Printf("Total points sent: %d\n", stats.pointsSent.Load())
	fmt.Printf("Points accepted: %d\n", stats.pointsAccepted.Load())
	fmt.Printf("Points rejected: %d\n", stats.pointsRejected.Load())
	fmt.Printf("Failed requests: %d\n", stats.requestsFailed.Load())
	if sent := stats.pointsSent.Load(); sent > 0 {
		fmt.Printf("Acceptance rate: %.2f%%\n", float64(stats.pointsAccepted.Load())/float64(sent)*100)
	}

	if req := stats.requests.Load(); req > 0 {
		avgLatency := float64(stats.totalLatency.Load()) / float64(req)
		fmt.Printf("Average request latency: %.2f ms\n", avgLatency)
	}
}
