// Package main implements aidetector-replay, which streams recorded hits
// (one JSON ingest payload per line) into a running detector.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/joho/godotenv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	grpcapi "github.com/scopeai/aidetector/internal/api/grpc"
)

func main() {
	var (
		input       string
		target      string
		grpcAddr    string
		key         string
		concurrency int
		retries     uint64
		timeout     time.Duration
		verbose     bool
	)

	flag.StringVar(&input, "input", "-", "JSONL file to replay (- for stdin)")
	flag.StringVar(&target, "target", "http://localhost:8080", "Detector HTTP base URL")
	flag.StringVar(&grpcAddr, "grpc", "", "Send through the gRPC service at this address instead of HTTP")
	flag.StringVar(&key, "key", "", "Ingest key (defaults to AIDETECTOR_INGEST_KEY)")
	flag.IntVar(&concurrency, "concurrency", 4, "Number of in-flight requests")
	flag.Uint64Var(&retries, "retries", 3, "Retries for throttled or unavailable responses")
	flag.DurationVar(&timeout, "timeout", 10*time.Second, "Per-request timeout")
	flag.BoolVar(&verbose, "v", false, "Verbose logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "aidetector-replay - replay recorded hits into a detector\n\n")
		fmt.Fprintf(os.Stderr, "Usage: aidetector-replay [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  aidetector-replay -input hits.jsonl -target https://detector.example -key $KEY\n")
		fmt.Fprintf(os.Stderr, "  cat hits.jsonl | aidetector-replay -grpc localhost:9090\n")
	}
	flag.Parse()

	_ = godotenv.Load()
	if key == "" {
		key = os.Getenv("AIDETECTOR_INGEST_KEY")
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.Make(sloghuman.Sink(os.Stderr)).Leveled(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var in io.Reader = os.Stdin
	if input != "-" {
		f, err := os.Open(input)
		if err != nil {
			logger.Fatal(ctx, "failed to open input", slog.F("path", input), slog.Error(err))
		}
		defer f.Close()
		in = f
	}

	var sender Sender
	if grpcAddr != "" {
		conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			logger.Fatal(ctx, "failed to dial grpc", slog.F("addr", grpcAddr), slog.Error(err))
		}
		defer conn.Close()
		sender = withTimeout{NewGRPCSender(grpcapi.NewIngestClient(conn), key), timeout}
	} else {
		sender = withTimeout{NewHTTPSender(target, key, nil), timeout}
	}

	r := NewReplayer(sender, Options{Concurrency: concurrency, Retries: retries}, logger)
	sum, err := r.Run(ctx, in)
	fmt.Println(sum.String())
	if err != nil {
		logger.Error(ctx, "replay aborted", slog.Error(err))
		os.Exit(1)
	}
	if sum.Failed > 0 {
		os.Exit(2)
	}
}

// withTimeout bounds each Send call.
type withTimeout struct {
	Sender
	d time.Duration
}

func (w withTimeout) Send(ctx context.Context, req *grpcapi.IngestRequest) (Outcome, error) {
	if w.d <= 0 {
		return w.Sender.Send(ctx, req)
	}
	ctx, cancel := context.WithTimeout(ctx, w.d)
	defer cancel()
	return w.Sender.Send(ctx, req)
}
