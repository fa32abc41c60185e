package dispatch

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestChunks(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		size     int
		wantLens []int
	}{
		{"empty", "", 2000, nil},
		{"single short", "hello", 2000, []int{5}},
		{"exact boundary", strings.Repeat("a", 2000), 2000, []int{2000}},
		{"three chunks", strings.Repeat("a", 4500), 2000, []int{2000, 2000, 500}},
		{"one over", strings.Repeat("a", 2001), 2000, []int{2000, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Chunks(tt.text, tt.size)
			if len(got) != len(tt.wantLens) {
				t.Fatalf("len(chunks) = %d, want %d", len(got), len(tt.wantLens))
			}
			for i, chunk := range got {
				if len([]rune(chunk)) != tt.wantLens[i] {
					t.Errorf("chunk %d length = %d, want %d", i, len([]rune(chunk)), tt.wantLens[i])
				}
			}
			if strings.Join(got, "") != tt.text {
				t.Error("concatenated chunks differ from input")
			}
		})
	}
}

func TestChunks_RuneSafe(t *testing.T) {
	text := strings.Repeat("好", 5)
	got := Chunks(text, 2)
	want := []string{"好好", "好好", "好"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chunk %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSend_OrderAndPacing(t *testing.T) {
	d := New(2000, 300*time.Millisecond)

	var slept []time.Duration
	d.sleep = func(dur time.Duration) { slept = append(slept, dur) }

	var sent []string
	sink := func(text string) error {
		sent = append(sent, text)
		return nil
	}

	if err := d.Send(strings.Repeat("a", 4500), sink); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if len(sent) != 3 {
		t.Fatalf("sent %d chunks, want 3", len(sent))
	}
	if len(sent[0]) != 2000 || len(sent[1]) != 2000 || len(sent[2]) != 500 {
		t.Errorf("chunk lengths = %d/%d/%d, want 2000/2000/500",
			len(sent[0]), len(sent[1]), len(sent[2]))
	}

	// One pause between each consecutive pair, none before the first.
	if len(slept) != 2 {
		t.Fatalf("slept %d times, want 2", len(slept))
	}
	for i, dur := range slept {
		if dur != 300*time.Millisecond {
			t.Errorf("sleep %d = %v, want 300ms", i, dur)
		}
	}
}

func TestSend_AbortsOnFailure(t *testing.T) {
	d := New(10, time.Millisecond)
	d.sleep = func(time.Duration) {}

	sendErr := errors.New("transport down")
	var calls int
	sink := func(text string) error {
		calls++
		if calls == 2 {
			return sendErr
		}
		return nil
	}

	err := d.Send(strings.Repeat("x", 35), sink)
	if err == nil {
		t.Fatal("Send() should propagate the chunk failure")
	}
	if !errors.Is(err, sendErr) {
		t.Errorf("error = %v, want wrapped %v", err, sendErr)
	}
	if calls != 2 {
		t.Errorf("sink called %d times, want 2 (remaining chunks aborted)", calls)
	}
}

func TestSend_Empty(t *testing.T) {
	d := New(2000, 300*time.Millisecond)
	var calls int
	if err := d.Send("", func(string) error { calls++; return nil }); err != nil {
		t.Fatalf("Send(\"\") error = %v", err)
	}
	if calls != 0 {
		t.Errorf("sink called %d times for empty text, want 0", calls)
	}
}

func TestFlatten(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello world", "hello world"},
		{"bold and italic", "**bold** and *italic*", "bold and italic"},
		{"heading", "# Title\n\nbody", "Title\n\nbody"},
		{"inline code", "use `go test` here", "use go test here"},
		{"link text", "[docs](https://example.com)", "docs"},
		{"list", "- one\n- two", "- one\n- two"},
		{"code block", "```go\nfmt.Println(1)\n```", "fmt.Println(1)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Flatten(tt.in); got != tt.want {
				t.Errorf("Flatten(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
