package health

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/whisperstream/internal/resilience"
	"github.com/MrWong99/whisperstream/pkg/archive"
)

// ProviderStates reports per-provider circuit breaker states.
// [resilience.STTFallback] implements it.
type ProviderStates interface {
	States() map[string]resilience.State
}

// TranscriberChecker fails when every transcription provider has an open
// circuit. A half-open provider still counts as available.
func TranscriberChecker(p ProviderStates) Checker {
	return Checker{
		Name: "transcriber",
		Check: func(_ context.Context) error {
			states := p.States()
			if len(states) == 0 {
				return errors.New("no transcription providers")
			}
			var open []string
			for name, st := range states {
				if st != resilience.StateOpen {
					return nil
				}
				open = append(open, name)
			}
			return fmt.Errorf("all circuits open: %s", strings.Join(open, ", "))
		},
	}
}

// ArchiveChecker pings the archive when its store is backed by an external
// service. In-memory stores always pass. The check is optional: archive
// writes are best-effort, so an unreachable database only degrades the
// instance.
func ArchiveChecker(s archive.Store) Checker {
	return Checker{
		Name:     "archive",
		Optional: true,
		Check: func(ctx context.Context) error {
			p, ok := s.(archive.Pinger)
			if !ok {
				return nil
			}
			return p.Ping(ctx)
		},
	}
}
