package core

import (
	"context"
	"errors"
	"io"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/x-stp/crtrecon/internal/certlib"
)

// scriptedRunner replays outcomes in order and records what it was asked to run.
type scriptedRunner struct {
	mu       sync.Mutex
	outcomes []Outcome
	requests []WorkerRequest
	err      error
}

func (r *scriptedRunner) Run(ctx context.Context, req *WorkerRequest) (Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, *req)
	if r.err != nil {
		return Outcome{}, r.err
	}
	if len(r.outcomes) == 0 {
		return QueryFailure("script exhausted"), nil
	}
	out := r.outcomes[0]
	r.outcomes = r.outcomes[1:]
	return out, nil
}

func (r *scriptedRunner) backends() []certlib.Backend {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]certlib.Backend, len(r.requests))
	for i, req := range r.requests {
		out[i] = req.Backend
	}
	return out
}

func testConfig() Config {
	return Config{
		Domain:  "example.com",
		Retries: 2,
		Timeout: time.Second,
		Sleep:   5 * time.Second,
		Limit:   1000,
		Backend: certlib.BackendWeb,
	}
}

func newTestEngine(t *testing.T, cfg Config, runner Runner) (*Engine, *[]time.Duration) {
	t.Helper()
	e, err := NewEngine(cfg, runner, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	var sleeps []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	}
	return e, &sleeps
}

func TestEngineRetriesThenExhausts(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{outcomes: []Outcome{
		QueryFailure("Web request returned 502"),
		TimedOut(),
		QueryFailure("Web request returned 429"),
	}}
	e, sleeps := newTestEngine(t, testConfig(), runner)

	names, err := e.Run(context.Background())
	if names != nil {
		t.Fatalf("expected no names, got %v", names)
	}
	var exhausted *ExhaustedRetriesError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedRetriesError, got %v", err)
	}
	if exhausted.Backend != certlib.BackendWeb {
		t.Fatalf("exhausted on %s, want web", exhausted.Backend)
	}
	if got := len(runner.requests); got != 3 {
		t.Fatalf("expected 3 attempts with retries=2, got %d", got)
	}
	if want := []time.Duration{5 * time.Second, 5 * time.Second}; !reflect.DeepEqual(*sleeps, want) {
		t.Fatalf("sleeps = %v, want %v", *sleeps, want)
	}
}

func TestEngineFailoverResetsBudget(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Retries = 1
	cfg.Failover = true
	runner := &scriptedRunner{outcomes: []Outcome{
		QueryFailure("a"), QueryFailure("b"),
		QueryFailure("c"), QueryFailure("d"),
	}}
	e, sleeps := newTestEngine(t, cfg, runner)

	_, err := e.Run(context.Background())
	var exhausted *ExhaustedRetriesError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedRetriesError, got %v", err)
	}
	if exhausted.Backend != certlib.BackendDatabase {
		t.Fatalf("exhausted on %s, want database", exhausted.Backend)
	}
	want := []certlib.Backend{
		certlib.BackendWeb, certlib.BackendWeb,
		certlib.BackendDatabase, certlib.BackendDatabase,
	}
	if got := runner.backends(); !reflect.DeepEqual(got, want) {
		t.Fatalf("backends = %v, want %v", got, want)
	}
	// No sleep on the failover transition itself.
	if len(*sleeps) != 2 {
		t.Fatalf("expected 2 sleeps, got %d", len(*sleeps))
	}
}

func TestEngineFailoverSucceedsOnOtherBackend(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Retries = 0
	cfg.Failover = true
	cfg.Backend = certlib.BackendDatabase
	runner := &scriptedRunner{outcomes: []Outcome{
		TimedOut(),
		Success([]certlib.Record{{CommonName: "www.example.com", NameValue: "*.example.com\nwww.example.com"}}),
	}}
	e, _ := newTestEngine(t, cfg, runner)

	names, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := []string{"example.com", "www.example.com"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	if want := []certlib.Backend{certlib.BackendDatabase, certlib.BackendWeb}; !reflect.DeepEqual(runner.backends(), want) {
		t.Fatalf("backends = %v, want %v", runner.backends(), want)
	}
}

func TestEngineFatalStopsImmediately(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Failover = true
	runner := &scriptedRunner{outcomes: []Outcome{Fatal("connection refused")}}
	e, sleeps := newTestEngine(t, cfg, runner)

	_, err := e.Run(context.Background())
	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected FatalError, got %v", err)
	}
	if fatal.Message != "connection refused" {
		t.Fatalf("message = %q", fatal.Message)
	}
	if len(runner.requests) != 1 || len(*sleeps) != 0 {
		t.Fatalf("expected one attempt and no sleep, got %d attempts %d sleeps", len(runner.requests), len(*sleeps))
	}
}

func TestEngineSuccessNormalizes(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.PrimaryOnly = true
	runner := &scriptedRunner{outcomes: []Outcome{
		QueryFailure("Web request returned 503"),
		Success([]certlib.Record{
			{CommonName: "*.test.example.com", NameValue: "a.example.com\nb c.example.com\nother.org"},
		}),
	}}
	e, _ := newTestEngine(t, cfg, runner)

	names, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := []string{"a.example.com", "test.example.com"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
}

func TestEngineEmptySuccess(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{outcomes: []Outcome{Success(nil)}}
	e, _ := newTestEngine(t, testConfig(), runner)

	names, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("expected empty result, got %v", names)
	}
}

func TestEngineInterruptedDuringAttempt(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{err: context.Canceled}
	e, _ := newTestEngine(t, testConfig(), runner)

	_, err := e.Run(context.Background())
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
}

func TestEngineInterruptedDuringSleep(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{outcomes: []Outcome{TimedOut()}}
	e, _ := newTestEngine(t, testConfig(), runner)
	ctx, cancel := context.WithCancel(context.Background())
	e.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	_, err := e.Run(ctx)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
	if len(runner.requests) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(runner.requests))
	}
}

func TestEngineRequestCarriesQuery(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Backend = certlib.BackendDatabase
	cfg.Cutoff = time.Date(2022, 1, 2, 0, 0, 0, 0, time.UTC)
	cfg.Limit = 50
	cfg.Endpoint = certlib.DefaultDBEndpoint()
	runner := &scriptedRunner{outcomes: []Outcome{Success(nil)}}
	e, _ := newTestEngine(t, cfg, runner)

	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	req := runner.requests[0]
	if req.RunID != e.RunID() || req.RunID == "" {
		t.Fatalf("run id %q not propagated (engine %q)", req.RunID, e.RunID())
	}
	if req.Query.Domain != "example.com" || req.Query.Limit != 50 || !req.Query.Cutoff.Equal(cfg.Cutoff) {
		t.Fatalf("unexpected query %+v", req.Query)
	}
	if req.Timeout != time.Second || req.Attempt != 1 {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.Endpoint != certlib.DefaultDBEndpoint() {
		t.Fatalf("endpoint = %+v", req.Endpoint)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"zero retries", func(c *Config) { c.Retries = 0 }, true},
		{"zero sleep", func(c *Config) { c.Sleep = 0 }, true},
		{"empty domain", func(c *Config) { c.Domain = " " }, false},
		{"negative retries", func(c *Config) { c.Retries = -1 }, false},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, false},
		{"negative sleep", func(c *Config) { c.Sleep = -time.Second }, false},
		{"zero limit", func(c *Config) { c.Limit = 0 }, false},
		{"bad backend", func(c *Config) { c.Backend = certlib.Backend(7) }, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err == nil) != tt.ok {
				t.Fatalf("Validate() = %v, want ok=%v", err, tt.ok)
			}
			if _, nerr := NewEngine(cfg, &scriptedRunner{}, zerolog.Nop()); (nerr == nil) != tt.ok {
				t.Fatalf("NewEngine() = %v, want ok=%v", nerr, tt.ok)
			}
		})
	}
}

func TestSleepContext(t *testing.T) {
	t.Parallel()

	if err := sleepContext(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("sleep: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestTerminationMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{ErrInterrupted, "Terminating: Keyboard interrupt"},
		{&FatalError{Message: "boom"}, "Terminating: Non-query error (boom)"},
		{&ExhaustedRetriesError{Backend: certlib.BackendDatabase},
			"Terminating: Hit retry limit. crt.sh rate limits source IPs and can be unstable. Try modifying the limit (-l) and date (-d) settings."},
		{&ExhaustedRetriesError{Backend: certlib.BackendWeb},
			"Terminating: Hit retry limit. crt.sh rate limits source IPs and can be unstable. Try querying the database using --database instead."},
	}
	for _, tt := range tests {
		if got := TerminationMessage(tt.err); got != tt.want {
			t.Errorf("TerminationMessage(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
