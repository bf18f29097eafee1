// Package mock provides a test double for the stt.Provider interface.
//
// Provider returns canned results in order and records every segment it was
// asked to transcribe.
//
// Example:
//
//	p := &mock.Provider{Results: []stt.Transcript{{Text: "hello"}}}
//	tr, _ := p.Transcribe(ctx, pcm, format)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/whisperstream/pkg/audio"
	"github.com/MrWong99/whisperstream/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// PCM is a copy of the audio bytes passed to Transcribe.
	PCM []byte
	// Format is the audio format passed to Transcribe.
	Format audio.Format
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Results are returned by successive calls. Once exhausted, Default is
	// returned.
	Results []stt.Transcript

	// Default is returned when Results is exhausted.
	Default stt.Transcript

	// Err, if non-nil, is returned by every call.
	Err error

	// Block makes Transcribe wait until its context is cancelled, then return
	// ctx.Err(). Use it to simulate a hung backend.
	Block bool

	// Release, if non-nil, makes each call wait for one receive from it (or
	// for its context to end) before returning its canned result.
	Release chan struct{}

	// Panic, if non-nil, makes every call panic with this value after it is
	// recorded.
	Panic any

	// Started, if non-nil, receives one value per call before the call blocks
	// or returns. Sends are non-blocking.
	Started chan struct{}

	// Calls records every call to Transcribe.
	Calls []TranscribeCall

	next int
}

// Transcribe records the call and returns the next canned result.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, format audio.Format) (stt.Transcript, error) {
	p.mu.Lock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	p.Calls = append(p.Calls, TranscribeCall{PCM: cp, Format: format})
	block, started, release, panicVal := p.Block, p.Started, p.Release, p.Panic
	p.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if panicVal != nil {
		panic(panicVal)
	}
	if block {
		<-ctx.Done()
		return stt.Transcript{}, ctx.Err()
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return stt.Transcript{}, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return stt.Transcript{}, p.Err
	}
	if p.next < len(p.Results) {
		r := p.Results[p.next]
		p.next++
		return r, nil
	}
	return p.Default, nil
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Snapshot returns a copy of the recorded calls. Thread-safe.
func (p *Provider) Snapshot() []TranscribeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TranscribeCall, len(p.Calls))
	copy(out, p.Calls)
	return out
}

// Reset clears all recorded calls and rewinds Results. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
	p.next = 0
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
