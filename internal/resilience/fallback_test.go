package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// engine stands in for a transcription backend.
type engine struct {
	name string
	err  error
}

func newEngines(t *testing.T, cfg FallbackConfig, engines ...*engine) *FallbackGroup[*engine] {
	t.Helper()
	fg := NewFallbackGroup(engines[0], engines[0].name, cfg)
	for _, e := range engines[1:] {
		fg.AddFallback(e.name, e)
	}
	return fg
}

func transcribeWith(tried *[]string) func(context.Context, *engine) (string, error) {
	return func(_ context.Context, e *engine) (string, error) {
		*tried = append(*tried, e.name)
		if e.err != nil {
			return "", e.err
		}
		return "text from " + e.name, nil
	}
}

func TestExecuteWithResult_Order(t *testing.T) {
	t.Parallel()
	down := errors.New("connection refused")

	tests := []struct {
		name      string
		engines   []*engine
		wantText  string
		wantTried []string
		wantErr   bool
	}{
		{
			name:      "primary succeeds",
			engines:   []*engine{{name: "whisper"}, {name: "openai"}},
			wantText:  "text from whisper",
			wantTried: []string{"whisper"},
		},
		{
			name:      "primary fails",
			engines:   []*engine{{name: "whisper", err: down}, {name: "openai"}},
			wantText:  "text from openai",
			wantTried: []string{"whisper", "openai"},
		},
		{
			name:      "all fail",
			engines:   []*engine{{name: "whisper", err: down}, {name: "openai", err: down}},
			wantTried: []string{"whisper", "openai"},
			wantErr:   true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fg := newEngines(t, FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3}}, tc.engines...)
			var tried []string
			text, err := ExecuteWithResult(context.Background(), fg, transcribeWith(&tried))
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if text != tc.wantText {
				t.Errorf("text = %q, want %q", text, tc.wantText)
			}
			if strings.Join(tried, ",") != strings.Join(tc.wantTried, ",") {
				t.Errorf("tried = %v, want %v", tried, tc.wantTried)
			}
		})
	}
}

func TestExecuteWithResult_AllFailedNamesEveryProvider(t *testing.T) {
	t.Parallel()
	errWhisper := errors.New("whisper-server returned 500")
	fg := newEngines(t, FallbackConfig{},
		&engine{name: "whisper", err: errWhisper},
		&engine{name: "deepgram", err: errors.New("401 unauthorized")},
	)

	var tried []string
	_, err := ExecuteWithResult(context.Background(), fg, transcribeWith(&tried))
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errWhisper) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping each cause", err)
	}
	for _, want := range []string{"whisper: whisper-server returned 500", "deepgram: 401 unauthorized"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("err %q does not mention %q", err, want)
		}
	}
}

func TestExecuteWithResult_SkipsOpenCircuit(t *testing.T) {
	t.Parallel()
	primary := &engine{name: "whisper", err: errTest}
	fg := newEngines(t, FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	}, primary, &engine{name: "openai"})

	var tried []string
	_, _ = ExecuteWithResult(context.Background(), fg, transcribeWith(&tried))
	tried = nil
	text, err := ExecuteWithResult(context.Background(), fg, transcribeWith(&tried))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "text from openai" || len(tried) != 1 {
		t.Errorf("text = %q, tried = %v; want only openai", text, tried)
	}
	if st := fg.States(); st["whisper"] != StateOpen || st["openai"] != StateClosed {
		t.Errorf("States = %v", st)
	}
	if !fg.Healthy() {
		t.Error("Healthy = false with one closed breaker")
	}
}

func TestExecuteWithResult_ProviderTimeoutFailsOver(t *testing.T) {
	t.Parallel()
	fg := newEngines(t, FallbackConfig{},
		&engine{name: "whisper", err: fmt.Errorf("inference: %w", context.DeadlineExceeded)},
		&engine{name: "openai"},
	)

	var tried []string
	text, err := ExecuteWithResult(context.Background(), fg, transcribeWith(&tried))
	if err != nil || text != "text from openai" {
		t.Fatalf("text = %q, err = %v; want failover after the provider's own timeout", text, err)
	}
}

func TestExecute_CallerDeadlineStopsChain(t *testing.T) {
	t.Parallel()
	fg := newEngines(t, FallbackConfig{}, &engine{name: "whisper"}, &engine{name: "openai"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()

	var tried []string
	err := fg.Execute(ctx, func(ctx context.Context, e *engine) error {
		tried = append(tried, e.name)
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if errors.Is(err, ErrAllFailed) {
		t.Error("caller deadline reported as ErrAllFailed")
	}
	if len(tried) != 1 {
		t.Errorf("tried %v, want only the primary", tried)
	}
}

func TestFallbackGroup_Each(t *testing.T) {
	t.Parallel()
	fg := newEngines(t, FallbackConfig{}, &engine{name: "whisper"}, &engine{name: "openai"})

	var seen []string
	fg.Each(func(name string, e *engine) { seen = append(seen, name+"="+e.name) })
	if strings.Join(seen, ",") != "whisper=whisper,openai=openai" {
		t.Errorf("Each visited %v", seen)
	}
}
