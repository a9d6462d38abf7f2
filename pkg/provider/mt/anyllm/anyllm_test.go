package anyllm

import (
	"strings"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
)

// ── constructors ──────────────────────────────────────────────────────────────

// TestNew_MissingProvider ensures the constructor rejects an empty provider name.
func TestNew_MissingProvider(t *testing.T) {
	_, err := New("", "gpt-4o-mini")
	if err == nil {
		t.Fatal("expected error for empty provider name")
	}
}

// TestNew_MissingModel ensures the constructor rejects an empty model.
func TestNew_MissingModel(t *testing.T) {
	_, err := New("openai", "")
	if err == nil {
		t.Fatal("expected error for empty model")
	}
}

// TestNew_UnsupportedProvider ensures unknown provider names are rejected.
func TestNew_UnsupportedProvider(t *testing.T) {
	_, err := New("fakecloud", "some-model", anyllmlib.WithAPIKey("dummy"))
	if err == nil {
		t.Fatal("expected error for unsupported provider")
	}
}

// TestNew_OpenAI checks that an OpenAI-backed translator constructs.
func TestNew_OpenAI(t *testing.T) {
	tr, err := New("openai", "gpt-4o-mini", anyllmlib.WithAPIKey("sk-test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.model != "gpt-4o-mini" {
		t.Errorf("expected model gpt-4o-mini, got %q", tr.model)
	}
}

// TestNew_NamedConstructors checks the convenience constructors.
func TestNew_NamedConstructors(t *testing.T) {
	cases := []struct {
		name string
		fn   func() (*Translator, error)
	}{
		{"NewOpenAI", func() (*Translator, error) { return NewOpenAI("gpt-4o-mini", anyllmlib.WithAPIKey("sk-test")) }},
		{"NewAnthropic", func() (*Translator, error) {
			return NewAnthropic("claude-3-5-haiku-latest", anyllmlib.WithAPIKey("sk-ant-test"))
		}},
		{"NewOllama", func() (*Translator, error) { return NewOllama("qwen2.5:7b") }},
		{"NewGroq", func() (*Translator, error) { return NewGroq("llama-3.1-8b-instant", anyllmlib.WithAPIKey("gsk-test")) }},
	}
	for _, tc := range cases {
		if _, err := tc.fn(); err != nil {
			t.Errorf("%s: unexpected error: %v", tc.name, err)
		}
	}
}

// ── buildParams ───────────────────────────────────────────────────────────────

// TestBuildParams checks message roles, prompt content and temperature.
func TestBuildParams(t *testing.T) {
	params := buildParams("gpt-4o-mini", "bom dia", "pt", "en")

	if params.Model != "gpt-4o-mini" {
		t.Errorf("expected model gpt-4o-mini, got %q", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(params.Messages))
	}
	sys := params.Messages[0]
	if sys.Role != "system" {
		t.Errorf("expected first message role system, got %q", sys.Role)
	}
	prompt := sys.ContentString()
	if !strings.Contains(prompt, "Portuguese") || !strings.Contains(prompt, "English") {
		t.Errorf("expected prompt to name both languages, got %q", prompt)
	}
	if !strings.Contains(prompt, "translation only") {
		t.Errorf("expected translation-only instruction, got %q", prompt)
	}
	user := params.Messages[1]
	if user.Role != "user" {
		t.Errorf("expected second message role user, got %q", user.Role)
	}
	if user.ContentString() != "bom dia" {
		t.Errorf("expected user content %q, got %q", "bom dia", user.ContentString())
	}
	if params.Temperature == nil || *params.Temperature != 0 {
		t.Errorf("expected explicit temperature 0, got %v", params.Temperature)
	}
}

// TestBuildParams_UnknownLanguagePassthrough checks that unmapped tags reach
// the prompt unchanged.
func TestBuildParams_UnknownLanguagePassthrough(t *testing.T) {
	params := buildParams("m", "hello", "tlh", "en")
	prompt := params.Messages[0].ContentString()
	if !strings.Contains(prompt, "tlh") {
		t.Errorf("expected unmapped tag in prompt, got %q", prompt)
	}
}

// ── cleanOutput ───────────────────────────────────────────────────────────────

// TestCleanOutput checks quote and whitespace scrubbing.
func TestCleanOutput(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"good morning", "good morning"},
		{"  good morning  ", "good morning"},
		{`"good morning"`, "good morning"},
		{`'good morning'`, "good morning"},
		{`" good morning "`, "good morning"},
		// Interior quotes mean the pair does not wrap the whole reply.
		{`"good" or "great"`, `"good" or "great"`},
		// Mismatched pair stays.
		{`"good morning'`, `"good morning'`},
		{"", ""},
		{`"`, `"`},
	}
	for _, tc := range cases {
		if got := cleanOutput(tc.in); got != tc.want {
			t.Errorf("cleanOutput(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

// ── languageName ──────────────────────────────────────────────────────────────

// TestLanguageName checks tag expansion and passthrough.
func TestLanguageName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"en", "English"},
		{"pt", "Portuguese"},
		{"ZH", "Chinese"},
		{" uk ", "Ukrainian"},
		{"tlh", "tlh"},
	}
	for _, tc := range cases {
		if got := languageName(tc.in); got != tc.want {
			t.Errorf("languageName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
