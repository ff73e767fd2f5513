// Command apnsbench drives a sustained load of notifications at a gateway
// (typically mock.BenchmarkServer) through the client library itself,
// reporting throughput and latency the way a provider would see it in
// production rather than synthetic micro-benchmarks of one function.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kestrelpush/apns"
	"github.com/kestrelpush/apns/certificate"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "apnsbench:", err)
		os.Exit(2)
	}
	if err := cfg.validate(); err != nil {
		fmt.Fprintln(os.Stderr, "apnsbench:", err)
		os.Exit(2)
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "apnsbench:", err)
		os.Exit(2)
	}
	defer log.Sync()

	client, err := buildClient(cfg, log)
	if err != nil {
		log.Fatal("building client", zap.Error(err))
	}
	defer client.Close()

	report, err := run(context.Background(), client, cfg)
	if err != nil {
		log.Fatal("benchmark run failed", zap.Error(err))
	}
	report.print(os.Stdout)
}

func newLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log_level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func buildClient(cfg *appConfig, log *zap.Logger) (*apns.Client, error) {
	opts := []apns.Option{
		apns.WithGatewayResolver(func(ctx context.Context) (string, error) {
			return cfg.TargetAddr, nil
		}),
		apns.WithPoolCapacity(cfg.Concurrency),
		apns.WithLogger(log),
	}
	if cfg.Insecure {
		opts = append(opts, apns.WithTLSConfig(&tls.Config{InsecureSkipVerify: true}))
	}

	if cfg.ClientCertP12File != "" {
		cert, err := certificate.LoadP12File(cfg.ClientCertP12File, cfg.ClientCertPassword, log)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		opts = append(opts, apns.WithClientCertificate(*cert))
	} else {
		key, err := certificate.LoadSigningKeyP8(cfg.SigningKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load signing key: %w", err)
		}
		opts = append(opts, apns.WithSigningKey(apns.SigningKey{
			KeyID:      cfg.KeyID,
			TeamID:     cfg.TeamID,
			PrivateKey: key,
		}))
	}

	return apns.New(opts...)
}

// report summarizes one benchmark run: counts by outcome and a latency
// sample for every Send call, successful or not. Each send's sample is its
// batch's elapsed time divided by the batch size, so the percentiles are
// taken over per-batch averages rather than individually timed sends.
type report struct {
	total     int
	accepted  int
	rejected  int
	failed    int
	elapsed   time.Duration
	latencies []time.Duration
}

func run(ctx context.Context, client *apns.Client, cfg *appConfig) (*report, error) {
	payload := buildPayload(cfg.PayloadSize)
	r := &report{latencies: make([]time.Duration, 0, cfg.Total)}

	latencies := make(chan time.Duration, cfg.Total)
	start := time.Now()

	remaining := cfg.Total
	for remaining > 0 {
		batch := cfg.Concurrency
		if batch > remaining {
			batch = remaining
		}
		ns := make([]*apns.PushNotification, batch)
		for i := range ns {
			n, err := apns.NewPushNotification(cfg.DeviceToken, cfg.Topic, payload)
			if err != nil {
				return nil, fmt.Errorf("build notification: %w", err)
			}
			ns[i] = n
		}

		batchStart := time.Now()
		resps, _ := client.PushMulti(ctx, ns)
		batchElapsed := time.Since(batchStart)
		perSend := batchElapsed / time.Duration(batch)

		for _, resp := range resps {
			r.total++
			latencies <- perSend
			switch {
			case resp == nil:
				r.failed++
			case resp.Accepted:
				r.accepted++
			default:
				r.rejected++
			}
		}
		remaining -= batch
	}

	r.elapsed = time.Since(start)
	close(latencies)
	for d := range latencies {
		r.latencies = append(r.latencies, d)
	}
	sort.Slice(r.latencies, func(i, j int) bool { return r.latencies[i] < r.latencies[j] })
	return r, nil
}

func (r *report) percentile(p float64) time.Duration {
	if len(r.latencies) == 0 {
		return 0
	}
	idx := int(p * float64(len(r.latencies)-1))
	return r.latencies[idx]
}

func (r *report) print(w io.Writer) {
	throughput := float64(r.total) / r.elapsed.Seconds()
	fmt.Fprintln(w, strings.Repeat("-", 40))
	fmt.Fprintf(w, "total:       %d\n", r.total)
	fmt.Fprintf(w, "accepted:    %d\n", r.accepted)
	fmt.Fprintf(w, "rejected:    %d\n", r.rejected)
	fmt.Fprintf(w, "failed:      %d\n", r.failed)
	fmt.Fprintf(w, "elapsed:     %s\n", r.elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "throughput:  %.1f/s\n", throughput)
	fmt.Fprintf(w, "p50 latency: %s\n", r.percentile(0.50).Round(time.Microsecond))
	fmt.Fprintf(w, "p95 latency: %s\n", r.percentile(0.95).Round(time.Microsecond))
	fmt.Fprintf(w, "p99 latency: %s\n", r.percentile(0.99).Round(time.Microsecond))
	fmt.Fprintln(w, strings.Repeat("-", 40))
}

func buildPayload(size int) []byte {
	const prefix = `{"aps":{"alert":"`
	const suffix = `"}}`
	fill := size - len(prefix) - len(suffix)
	if fill < 0 {
		fill = 0
	}
	return []byte(prefix + strings.Repeat("x", fill) + suffix)
}
