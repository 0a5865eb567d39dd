package stt

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/callsight-ai/callsight/internal/broker"
)

// writeTestAudio drops a small fake audio file into a temp dir.
func writeTestAudio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "call.wav")
	if err := os.WriteFile(path, []byte("RIFF fake audio"), 0o644); err != nil {
		t.Fatalf("write test audio: %v", err)
	}
	return path
}

func newTestAdapter(t *testing.T, endpoint string, b *broker.Broker, opts ...Option) *Adapter {
	t.Helper()
	a, err := New(endpoint, "key", "whisper-1", "stt-test", broker.NewLocalClient(b), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestTranscribe_ParsesVerboseResponse(t *testing.T) {
	var gotFormat string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		gotFormat = r.FormValue("response_format")

		json.NewEncoder(w).Encode(VerboseResult{
			Text:     "hello there",
			Language: "en",
			Duration: 2.5,
			Segments: []Segment{
				{ID: 0, Start: 0, End: 1.2, Text: "hello", AvgLogProb: -0.2},
				{ID: 1, Start: 1.2, End: 2.5, Text: "there", AvgLogProb: -0.7},
			},
		})
	}))
	defer srv.Close()

	b := broker.New(10_000)
	a := newTestAdapter(t, srv.URL, b)

	result, err := a.Transcribe(context.Background(), Request{Path: writeTestAudio(t), Language: "en"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if gotFormat != "verbose_json" {
		t.Errorf("response_format = %q, want %q", gotFormat, "verbose_json")
	}
	if len(result.Segments) != 2 {
		t.Fatalf("segments = %d, want 2", len(result.Segments))
	}
	if result.Segments[1].Text != "there" {
		t.Errorf("segment text = %q, want %q", result.Segments[1].Text, "there")
	}

	// Usage committed: nothing stays locked.
	st := b.Status()
	if st.LockedTokens != 0 {
		t.Errorf("locked after transcription = %d, want 0", st.LockedTokens)
	}
	if st.UsedTokens == 0 {
		t.Error("no usage committed after successful transcription")
	}
}

func TestTranscribe_ReleasesOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := broker.New(10_000)
	a := newTestAdapter(t, srv.URL, b, WithHTTPClient(srv.Client()))

	_, err := a.Transcribe(context.Background(), Request{Path: writeTestAudio(t)})
	if err == nil {
		t.Fatal("expected error from failing endpoint")
	}

	st := b.Status()
	if st.LockedTokens != 0 {
		t.Errorf("locked after failed transcription = %d, want 0", st.LockedTokens)
	}
	if st.UsedTokens != 0 {
		t.Errorf("used after failed transcription = %d, want 0", st.UsedTokens)
	}
}

func TestTranscribe_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(VerboseResult{Text: "ok", Duration: 1})
	}))
	defer srv.Close()

	b := broker.New(10_000)
	a := newTestAdapter(t, srv.URL, b)

	result, err := a.Transcribe(context.Background(), Request{Path: writeTestAudio(t)})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if result.Text != "ok" {
		t.Errorf("text = %q, want %q", result.Text, "ok")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("endpoint called %d times, want 3", got)
	}
}

func TestTranscribe_RateLimitDenial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("endpoint called despite denied admission")
	}))
	defer srv.Close()

	// Fill the window so the adapter's estimate cannot be admitted.
	b := broker.New(100)
	if res := b.Lock("other", 90); !res.Allowed {
		t.Fatal("setup lock denied")
	}

	a := newTestAdapter(t, srv.URL, b, WithRequestTokens(50))

	_, err := a.Transcribe(context.Background(), Request{Path: writeTestAudio(t)})
	var rle *broker.RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		logProb float64
		want    float64
	}{
		{-1.5, 0.3},
		{-0.7, 0.6},
		{-0.2, 0.9},
		{0, 0.8},
	}
	for _, tt := range tests {
		if got := Confidence(tt.logProb); got != tt.want {
			t.Errorf("Confidence(%v) = %v, want %v", tt.logProb, got, tt.want)
		}
	}
}
