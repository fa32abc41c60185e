// Package dispatch splits outbound replies into transport-sized chunks
// and paces their delivery.
package dispatch

import (
	"fmt"
	"time"
)

// Sink delivers one chunk of reply text to its destination ("say to
// this contact" or "say to this room, tagging the contact").
type Sink func(text string) error

// Dispatcher chunks replies and enforces the inter-chunk delay.
type Dispatcher struct {
	chunkSize int
	delay     time.Duration

	// sleep is swapped out by tests so pacing is observable without
	// wall-clock waits.
	sleep func(time.Duration)
}

// New creates a dispatcher. chunkSize is in characters (runes);
// delay is the pause between consecutive chunks.
func New(chunkSize int, delay time.Duration) *Dispatcher {
	return &Dispatcher{
		chunkSize: chunkSize,
		delay:     delay,
		sleep:     time.Sleep,
	}
}

// Send splits text into consecutive chunks of at most the configured
// size and delivers them strictly in order, pausing the configured
// delay between chunks. The first failed chunk aborts the remainder;
// delivery is not retried here.
func (d *Dispatcher) Send(text string, sink Sink) error {
	chunks := Chunks(text, d.chunkSize)
	for i, chunk := range chunks {
		if i > 0 {
			d.sleep(d.delay)
		}
		if err := sink(chunk); err != nil {
			return fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

// Chunks splits text into rune-safe pieces of at most size characters.
// The final chunk may be shorter. Empty text yields no chunks.
func Chunks(text string, size int) []string {
	if text == "" {
		return nil
	}
	if size <= 0 {
		return []string{text}
	}

	runes := []rune(text)
	chunks := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
