package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/fairyhunter13/gitfix/internal/domain"
)

func newTestGemini(h *fakeHandle) (*Gemini, *fakeSandbox) {
	box := &fakeSandbox{handle: h}
	g := NewGemini(testConfig(), box)
	g.run.lookupEnv = func(name string) string {
		if name == "GEMINI_API_KEY" {
			return "AIza-test"
		}
		return ""
	}
	g.run.newID = func() string { return "conv-3" }
	return g, box
}

func TestGeminiExecuteCollectsPlainOutput(t *testing.T) {
	h := &fakeHandle{
		id:   "feedface0001",
		name: "gitfix-acme-web-42-flash-b8c",
		logs: "Analyzing the handler.\nfix(api): return 400 on empty body\nDone.\n",
		exit: 0,
	}
	g, box := newTestGemini(h)

	req := testRequest(nil)
	req.Issue.ModelName = "flash"
	res, err := g.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if !res.Success {
		t.Error("expected success")
	}
	if res.Model != "gemini-2.5-flash" {
		t.Errorf("model = %q", res.Model)
	}
	if !strings.Contains(res.Summary, "Analyzing the handler.") {
		t.Errorf("summary = %q", res.Summary)
	}
	if res.SuggestedCommitMessage != "fix(api): return 400 on empty body" {
		t.Errorf("suggested commit = %q", res.SuggestedCommitMessage)
	}

	joined := strings.Join(box.specs[0].Cmd, " ")
	for _, want := range []string{"gemini", "--model gemini-2.5-flash", "--yolo"} {
		if !strings.Contains(joined, want) {
			t.Errorf("cmd %q missing %q", joined, want)
		}
	}
	var hasKey bool
	for _, e := range box.specs[0].Env {
		if e == "GEMINI_API_KEY=AIza-test" {
			hasKey = true
		}
	}
	if !hasKey {
		t.Errorf("env missing api key: %v", box.specs[0].Env)
	}
}

func TestGeminiExecuteUsageLimit(t *testing.T) {
	h := &fakeHandle{
		id:   "feedface0002",
		name: "gitfix-acme-web-42-flash-c9d",
		logs: "googleapi: Error 429: RESOURCE_EXHAUSTED, quota exceeded\n",
		exit: 1,
	}
	g, _ := newTestGemini(h)

	_, err := g.Execute(context.Background(), testRequest(nil))
	ul, ok := domain.AsUsageLimit(err)
	if !ok {
		t.Fatalf("error is not a usage limit: %v", err)
	}
	if ul.Provider != domain.ProviderGemini {
		t.Errorf("provider = %q", ul.Provider)
	}
	if ul.ResetAt.IsZero() {
		t.Error("reset time not set")
	}
}

func TestGeminiValidateConfig(t *testing.T) {
	g, _ := newTestGemini(&fakeHandle{})
	if err := g.ValidateConfig(); err != nil {
		t.Errorf("ValidateConfig with key: %v", err)
	}

	g.run.lookupEnv = func(string) string { return "" }
	if err := g.ValidateConfig(); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("ValidateConfig without key = %v", err)
	}
}
