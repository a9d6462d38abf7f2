// Package anyllm provides a text translator running on any chat-completion
// backend supported by github.com/mozilla-ai/any-llm-go (OpenAI, Anthropic,
// Gemini, Ollama, DeepSeek, Mistral, Groq, llama.cpp, llamafile).
//
// Chat models translate well but love to editorialize; the system prompt
// pins them to translation-only output and the response is scrubbed of
// wrapping quotes before it reaches the pipeline. Decoding runs at
// temperature 0 so repeated partials translate consistently.
//
// Usage:
//
//	t, err := anyllm.New("openai", "gpt-4o-mini", anyllmlib.WithAPIKey("sk-..."))
//	t, err := anyllm.NewOllama("qwen2.5:7b")
package anyllm

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/voxrelay/voxrelay/pkg/provider/mt"
)

const systemPromptFormat = "You are a translation engine. Translate the user's message from %s to %s. " +
	"Reply with the translation only: no quotes, no notes, no alternatives, no explanations. " +
	"Preserve the tone and register of the original."

// Compile-time assertion that Translator implements mt.Translator.
var _ mt.Translator = (*Translator)(nil)

// Translator implements mt.Translator on top of a chat-completion backend.
type Translator struct {
	backend anyllmlib.Provider
	model   string
}

// New creates a Translator backed by the given LLM provider name.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama",
// "deepseek", "mistral", "groq", "llamacpp", "llamafile". opts are
// any-llm-go configuration options (e.g. anyllmlib.WithAPIKey,
// anyllmlib.WithBaseURL); without an API key option the backend falls back
// to its usual environment variable.
func New(providerName, model string, opts ...anyllmlib.Option) (*Translator, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}

	return &Translator{backend: backend, model: model}, nil
}

// NewOpenAI creates a Translator backed by OpenAI.
func NewOpenAI(model string, opts ...anyllmlib.Option) (*Translator, error) {
	return New("openai", model, opts...)
}

// NewAnthropic creates a Translator backed by Anthropic.
func NewAnthropic(model string, opts ...anyllmlib.Option) (*Translator, error) {
	return New("anthropic", model, opts...)
}

// NewOllama creates a Translator backed by Ollama (local inference).
// Without options, it connects to http://localhost:11434.
func NewOllama(model string, opts ...anyllmlib.Option) (*Translator, error) {
	return New("ollama", model, opts...)
}

// NewGroq creates a Translator backed by Groq.
func NewGroq(model string, opts ...anyllmlib.Option) (*Translator, error) {
	return New("groq", model, opts...)
}

// createBackend creates the underlying any-llm-go provider for the given
// provider name.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", providerName)
	}
}

// Translate implements mt.Translator. Identical source and target is a
// no-op.
func (t *Translator) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}
	if sourceLang == targetLang {
		return text, nil
	}

	resp, err := t.backend.Completion(ctx, buildParams(t.model, text, sourceLang, targetLang))
	if err != nil {
		return "", fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("anyllm: empty choices in response")
	}

	return cleanOutput(resp.Choices[0].Message.ContentString()), nil
}

// buildParams assembles the completion request for one translation.
func buildParams(model, text, sourceLang, targetLang string) anyllmlib.CompletionParams {
	temperature := 0.0
	return anyllmlib.CompletionParams{
		Model: model,
		Messages: []anyllmlib.Message{
			{
				Role:    anyllmlib.RoleSystem,
				Content: fmt.Sprintf(systemPromptFormat, languageName(sourceLang), languageName(targetLang)),
			},
			{
				Role:    anyllmlib.RoleUser,
				Content: text,
			},
		},
		Temperature: &temperature,
	}
}

// cleanOutput strips the wrapping some chat models add despite the prompt:
// surrounding whitespace and a single pair of matching quotes.
func cleanOutput(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			inner := s[1 : len(s)-1]
			// Only unquote when the pair actually wraps the whole reply.
			if !strings.ContainsRune(inner, rune(first)) {
				s = strings.TrimSpace(inner)
			}
		}
	}
	return s
}

// languageName expands a primary subtag into the English language name chat
// models respond to best. Unknown tags pass through unchanged.
func languageName(lang string) string {
	if name, ok := languageNames[strings.ToLower(strings.TrimSpace(lang))]; ok {
		return name
	}
	return lang
}

var languageNames = map[string]string{
	"ar": "Arabic",
	"bg": "Bulgarian",
	"cs": "Czech",
	"da": "Danish",
	"de": "German",
	"el": "Greek",
	"en": "English",
	"es": "Spanish",
	"fi": "Finnish",
	"fr": "French",
	"he": "Hebrew",
	"hi": "Hindi",
	"hr": "Croatian",
	"hu": "Hungarian",
	"id": "Indonesian",
	"it": "Italian",
	"ja": "Japanese",
	"ko": "Korean",
	"lt": "Lithuanian",
	"ms": "Malay",
	"nl": "Dutch",
	"no": "Norwegian",
	"pl": "Polish",
	"pt": "Portuguese",
	"ro": "Romanian",
	"ru": "Russian",
	"sk": "Slovak",
	"sl": "Slovenian",
	"sr": "Serbian",
	"sv": "Swedish",
	"th": "Thai",
	"tr": "Turkish",
	"uk": "Ukrainian",
	"vi": "Vietnamese",
	"zh": "Chinese",
}
