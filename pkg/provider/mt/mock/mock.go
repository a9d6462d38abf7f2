// Package mock provides a test double for the mt package.
//
// By default the mock tags the input with the language pair
// ("[pt→en] hello"), which keeps translated output distinguishable from the
// source while staying deterministic. Set Responses or TranslateFunc for
// exact outputs.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/voxrelay/voxrelay/pkg/provider/mt"
)

// Ensure Translator implements mt.Translator at compile time.
var _ mt.Translator = (*Translator)(nil)

// TranslateCall records a single invocation of Translate.
type TranslateCall struct {
	Text       string
	SourceLang string
	TargetLang string
}

// Translator is a mock implementation of mt.Translator.
type Translator struct {
	mu sync.Mutex

	// Responses maps "source:target:text" to a fixed translation. Misses fall
	// through to TranslateFunc, then to the tagged default.
	Responses map[string]string

	// TranslateFunc, if non-nil, computes the response for Responses misses.
	TranslateFunc func(ctx context.Context, text, sourceLang, targetLang string) (string, error)

	// Err, if non-nil, is returned as the error from every Translate call.
	Err error

	// TranslateCalls records every call to Translate in order.
	TranslateCalls []TranslateCall
}

// Key builds the Responses lookup key for a translation request.
func Key(text, sourceLang, targetLang string) string {
	return sourceLang + ":" + targetLang + ":" + text
}

// Translate records the call and returns the configured translation. Equal
// source and target return text unchanged, matching the contract.
func (t *Translator) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	t.mu.Lock()
	t.TranslateCalls = append(t.TranslateCalls, TranslateCall{Text: text, SourceLang: sourceLang, TargetLang: targetLang})
	fixed, hasFixed := "", false
	if t.Responses != nil {
		fixed, hasFixed = t.Responses[Key(text, sourceLang, targetLang)]
	}
	fn := t.TranslateFunc
	err := t.Err
	t.mu.Unlock()

	if err != nil {
		return "", err
	}
	if sourceLang == targetLang {
		return text, nil
	}
	if hasFixed {
		return fixed, nil
	}
	if fn != nil {
		return fn(ctx, text, sourceLang, targetLang)
	}
	return fmt.Sprintf("[%s→%s] %s", sourceLang, targetLang, text), nil
}

// CallCount returns the number of recorded Translate calls. Thread-safe.
func (t *Translator) CallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.TranslateCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (t *Translator) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.TranslateCalls = nil
}
