package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/callsight-ai/callsight/internal/broker"
	"github.com/callsight-ai/callsight/internal/bus"
	"github.com/callsight-ai/callsight/internal/llm"
	"github.com/callsight-ai/callsight/internal/pipeline"
)

// fakeCompleter feeds one canned response per call into the decoder.
type fakeCompleter struct {
	responses []string
	errs      []error
	calls     int
}

func (f *fakeCompleter) CompleteStructured(ctx context.Context, req llm.Request, decode func([]byte) error) error {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return f.errs[i]
	}
	return decode([]byte(f.responses[i]))
}

// idleBroker satisfies broker.Client with an always-reset window.
type idleBroker struct {
	statusCalls int
}

func (b *idleBroker) Lock(ctx context.Context, appID string, estimatedTokens int) (broker.LockResult, error) {
	return broker.LockResult{Allowed: true, RequestID: "r"}, nil
}

func (b *idleBroker) Commit(ctx context.Context, appID, requestID string, promptTokens, completionTokens int) error {
	return nil
}

func (b *idleBroker) Release(ctx context.Context, appID, requestID string) error { return nil }

func (b *idleBroker) Status(ctx context.Context) (broker.Status, error) {
	b.statusCalls++
	return broker.Status{ResetSeconds: -1}, nil
}

const validFeedback = `{"summary":"Customer praises the new card design","hashtag":"#card","ai_hashtag":"#design","category":"card","contains_pii_or_cid":"No"}`

func TestFeedback_HappyPath(t *testing.T) {
	f := NewFeedback(&fakeCompleter{responses: []string{validFeedback}}, &idleBroker{})

	res, err := f.Handle(context.Background(), bus.Job{ID: "f1", TaskID: "t1", Language: "en", Text: "Love the new card!"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Message != bus.StatusSuccess || res.ID != "f1" || res.TaskID != "t1" {
		t.Errorf("envelope = %+v", res)
	}
	if res.Fields["hashtag"] != "#card" || res.Fields["category"] != "card" {
		t.Errorf("fields = %v", res.Fields)
	}
	if res.Fields["text"] != "Love the new card!" {
		t.Errorf("text = %v, want original when no PII", res.Fields["text"])
	}
}

func TestFeedback_PIIReplacesText(t *testing.T) {
	resp := `{"summary":"Customer reports a blocked card","hashtag":"#card","ai_hashtag":"#card","category":"card","contains_pii_or_cid":"Yes"}`
	f := NewFeedback(&fakeCompleter{responses: []string{resp}}, &idleBroker{})

	res, err := f.Handle(context.Background(), bus.Job{ID: "f1", Text: "My card 1234-5678 is blocked, I am Jane Doe"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Fields["text"] != "Customer reports a blocked card" {
		t.Errorf("text = %v, want summary when PII flagged", res.Fields["text"])
	}
}

func TestFeedback_HashtagTableOverride(t *testing.T) {
	f := NewFeedback(&fakeCompleter{responses: []string{validFeedback}}, &idleBroker{},
		WithHashtagTable(map[string]string{"card": "#CardFeedback"}))

	res, err := f.Handle(context.Background(), bus.Job{ID: "f1", Text: "nice card"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Fields["hashtag"] != "#CardFeedback" {
		t.Errorf("hashtag = %v, want table override", res.Fields["hashtag"])
	}
}

func TestFeedback_EmptyText(t *testing.T) {
	f := NewFeedback(&fakeCompleter{}, &idleBroker{})
	if _, err := f.Handle(context.Background(), bus.Job{ID: "f1"}); err == nil {
		t.Error("expected error for empty text")
	}
}

func TestFeedback_RetriesRateLimit(t *testing.T) {
	b := &idleBroker{}
	fc := &fakeCompleter{
		errs:      []error{&broker.RateLimitError{ResetSeconds: -1}, nil},
		responses: []string{"", validFeedback},
	}
	f := NewFeedback(fc, b)

	res, err := f.Handle(context.Background(), bus.Job{ID: "f1", Text: "hello card"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Message != bus.StatusSuccess {
		t.Errorf("message = %q", res.Message)
	}
	if fc.calls != 2 {
		t.Errorf("calls = %d, want 2", fc.calls)
	}
	if b.statusCalls != 1 {
		t.Errorf("statusCalls = %d, want 1", b.statusCalls)
	}
}

func TestFeedbackClassification_Validate(t *testing.T) {
	valid := FeedbackClassification{
		Summary: "long enough", Hashtag: "#a", AIHashtag: "#b", ContainsPIIOrCID: "No",
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid classification rejected: %v", err)
	}

	cases := []FeedbackClassification{
		{Summary: "shrt", Hashtag: "#a", AIHashtag: "#b", ContainsPIIOrCID: "No"},
		{Summary: "long enough", Hashtag: "no-hash", AIHashtag: "#b", ContainsPIIOrCID: "No"},
		{Summary: "long enough", Hashtag: "#a", AIHashtag: "#b c", ContainsPIIOrCID: "No"},
		{Summary: "long enough", Hashtag: "#a", AIHashtag: "#b", ContainsPIIOrCID: "maybe"},
	}
	for i, c := range cases {
		if err := c.Validate(); err == nil {
			t.Errorf("case %d: invalid classification accepted: %+v", i, c)
		}
	}
}

func TestReasoner_HappyPath(t *testing.T) {
	resp := `{"summary":"Customer asked about mortgage rates","reason":"#mortgage","ai_reason":"#rates","contains_pii_or_cid":"No"}`
	r := NewReasoner(&fakeCompleter{responses: []string{resp}}, &idleBroker{})

	res, err := r.Handle(context.Background(), bus.Job{ID: "c1", TaskID: "t2", Language: "en", Text: "Speaker_1: hello ..."})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Fields["reason"] != "#mortgage" || res.Fields["ai_reason"] != "#rates" {
		t.Errorf("fields = %v", res.Fields)
	}
}

func TestReasoner_NonRateLimitErrorPropagates(t *testing.T) {
	b := &idleBroker{}
	r := NewReasoner(&fakeCompleter{errs: []error{errors.New("backend down")}, responses: []string{""}}, b)

	if _, err := r.Handle(context.Background(), bus.Job{ID: "c1", Text: "hi"}); err == nil {
		t.Fatal("expected error")
	}
	if b.statusCalls != 0 {
		t.Errorf("statusCalls = %d, want 0 for non-rate-limit error", b.statusCalls)
	}
}

type fakePipeline struct {
	res *pipeline.Result
	err error
	got pipeline.Request
}

func (f *fakePipeline) Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	f.got = req
	return f.res, f.err
}

func TestAudio_HappyPath(t *testing.T) {
	fp := &fakePipeline{res: &pipeline.Result{
		Transcript: "Speaker_1: hello",
		Diarized:   true,
		Language:   "en",
		Metadata:   map[string]any{"chunks": 1},
	}}
	a := NewAudio(fp)

	res, err := a.Handle(context.Background(), bus.Job{ID: "a1", Filename: "call.wav", Language: "en"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if fp.got.Key != "call.wav" || fp.got.Language != "en" {
		t.Errorf("pipeline request = %+v", fp.got)
	}
	if res.Fields["transcription"] != "Speaker_1: hello" || res.Fields["diarized"] != true {
		t.Errorf("fields = %v", res.Fields)
	}
}

func TestAudio_MissingFilename(t *testing.T) {
	a := NewAudio(&fakePipeline{})
	if _, err := a.Handle(context.Background(), bus.Job{ID: "a1"}); err == nil {
		t.Error("expected error for missing filename")
	}
}

func TestAudio_PipelineErrorKeepsPartialMetadata(t *testing.T) {
	fp := &fakePipeline{
		res: &pipeline.Result{Metadata: map[string]any{"key": "x.wav", "channels": 2}},
		err: errors.New("chunk stage failed"),
	}
	a := NewAudio(fp)

	res, err := a.Handle(context.Background(), bus.Job{ID: "a1", Filename: "x.wav"})
	if err == nil {
		t.Fatal("expected pipeline error to propagate")
	}
	meta, ok := res.Fields["metadata"].(map[string]any)
	if !ok || meta["channels"] != 2 {
		t.Errorf("metadata = %v, want partial pipeline metadata on failure", res.Fields["metadata"])
	}
}
