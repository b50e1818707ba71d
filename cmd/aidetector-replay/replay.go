package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"cdr.dev/slog/v3"
	"github.com/bytedance/sonic"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	grpcapi "github.com/scopeai/aidetector/internal/api/grpc"
)

// maxLineBytes bounds a single JSONL record.
const maxLineBytes = 1 << 20

// Outcome is the detector's verdict for one replayed hit.
type Outcome struct {
	Stored  bool
	Ignored bool
}

// Sender delivers one decoded payload to a detector.
type Sender interface {
	Send(ctx context.Context, req *grpcapi.IngestRequest) (Outcome, error)
}

// Summary counts replay results.
type Summary struct {
	Lines   int64 `json:"lines"`
	Stored  int64 `json:"stored"`
	Ignored int64 `json:"ignored"`
	Failed  int64 `json:"failed"`
}

func (s Summary) String() string {
	return fmt.Sprintf("lines=%d stored=%d ignored=%d failed=%d", s.Lines, s.Stored, s.Ignored, s.Failed)
}

// Options controls a replay run.
type Options struct {
	Concurrency     int
	Retries         uint64
	InitialInterval time.Duration
}

// Replayer streams JSONL payloads into a Sender.
type Replayer struct {
	sender Sender
	opts   Options
	logger slog.Logger
}

// NewReplayer creates a replayer. Zero options fall back to sequential
// delivery with three retries.
func NewReplayer(sender Sender, opts Options, logger slog.Logger) *Replayer {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 200 * time.Millisecond
	}
	return &Replayer{sender: sender, opts: opts, logger: logger.Named("replay")}
}

// Run reads one payload per line from r. Blank lines are skipped; lines that
// do not decode count as failed and are never sent.
func (p *Replayer) Run(ctx context.Context, r io.Reader) (Summary, error) {
	var lines, stored, ignored, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNo := 0
	for gctx.Err() == nil && scanner.Scan() {
		lineNo++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		lines.Add(1)

		req := new(grpcapi.IngestRequest)
		if err := sonic.Unmarshal(raw, req); err != nil {
			p.logger.Warn(ctx, "skipping malformed line", slog.F("line", lineNo), slog.Error(err))
			failed.Add(1)
			continue
		}

		n := lineNo
		g.Go(func() error {
			out, err := p.send(gctx, req)
			switch {
			case err != nil:
				if gctx.Err() != nil {
					return gctx.Err()
				}
				p.logger.Warn(gctx, "send failed", slog.F("line", n), slog.Error(err))
				failed.Add(1)
			case out.Stored:
				stored.Add(1)
			default:
				ignored.Add(1)
			}
			return nil
		})
	}
	waitErr := g.Wait()

	sum := Summary{
		Lines:   lines.Load(),
		Stored:  stored.Load(),
		Ignored: ignored.Load(),
		Failed:  failed.Load(),
	}
	if err := scanner.Err(); err != nil {
		return sum, fmt.Errorf("read input: %w", err)
	}
	return sum, waitErr
}

func (p *Replayer) send(ctx context.Context, req *grpcapi.IngestRequest) (Outcome, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.opts.InitialInterval
	eb.MaxElapsedTime = 0

	var out Outcome
	op := func() error {
		var err error
		out, err = p.sender.Send(ctx, req)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(eb, p.opts.Retries), ctx))
	return out, err
}

// statusError is an HTTP rejection from the detector.
type statusError struct {
	Status int
	Code   string
}

func (e *statusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d", e.Status)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Code)
}

func retryable(err error) bool {
	if se, ok := err.(*statusError); ok {
		return se.Status == http.StatusTooManyRequests || se.Status >= http.StatusInternalServerError
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded:
			return true
		}
		return false
	}
	return true
}

type ingestReply struct {
	OK      bool   `json:"ok"`
	Stored  bool   `json:"stored"`
	Ignored bool   `json:"ignored"`
	Error   string `json:"error"`
}

// HTTPSender posts payloads to /api/ingest.
type HTTPSender struct {
	endpoint string
	key      string
	client   *http.Client
}

// NewHTTPSender creates a sender for the detector at baseURL.
func NewHTTPSender(baseURL, key string, client *http.Client) *HTTPSender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSender{
		endpoint: strings.TrimSuffix(baseURL, "/") + "/api/ingest",
		key:      key,
		client:   client,
	}
}

// Send implements Sender.
func (s *HTTPSender) Send(ctx context.Context, req *grpcapi.IngestRequest) (Outcome, error) {
	body, err := sonic.Marshal(req)
	if err != nil {
		return Outcome{}, backoff.Permanent(err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return Outcome{}, backoff.Permanent(err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	if s.key != "" {
		hreq.Header.Set("x-ingest-key", s.key)
	}

	resp, err := s.client.Do(hreq)
	if err != nil {
		return Outcome{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxLineBytes))
	if err != nil {
		return Outcome{}, err
	}

	var reply ingestReply
	_ = sonic.Unmarshal(raw, &reply)
	if resp.StatusCode != http.StatusOK {
		return Outcome{}, &statusError{Status: resp.StatusCode, Code: reply.Error}
	}
	return Outcome{Stored: reply.Stored, Ignored: reply.Ignored}, nil
}

// GRPCSender sends payloads through the gRPC ingest service.
type GRPCSender struct {
	client *grpcapi.IngestClient
	key    string
}

// NewGRPCSender creates a sender on client.
func NewGRPCSender(client *grpcapi.IngestClient, key string) *GRPCSender {
	return &GRPCSender{client: client, key: key}
}

// Send implements Sender.
func (s *GRPCSender) Send(ctx context.Context, req *grpcapi.IngestRequest) (Outcome, error) {
	resp, err := s.client.Ingest(ctx, s.key, req)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Stored: resp.Stored, Ignored: resp.Ignored}, nil
}
