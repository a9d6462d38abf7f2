package gateway

import (
	"context"
	"strings"

	"github.com/voxrelay/voxrelay/internal/resilience"
	"github.com/voxrelay/voxrelay/pkg/provider/mt"
)

// FastPath routes a fixed table of language pairs to a small, fast translator
// and everything else to the general one. When the fast translator fails (or
// its circuit breaker is open) the pair falls through to the general
// translator, so the fast path can only improve latency, never availability.
//
// It implements mt.Translator and can stand wherever a plain translator does.
type FastPath struct {
	pairs   map[string]struct{}
	group   *resilience.FallbackGroup[mt.Translator]
	general mt.Translator
}

var _ mt.Translator = (*FastPath)(nil)

// NewFastPath builds a FastPath. pairs entries are "src:dst" primary subtag
// pairs ("pt:en"); malformed or empty entries are dropped.
func NewFastPath(fast, general mt.Translator, pairs []string) *FastPath {
	table := make(map[string]struct{}, len(pairs))
	for _, p := range pairs {
		p = strings.ToLower(strings.TrimSpace(p))
		src, dst, ok := strings.Cut(p, ":")
		if !ok || src == "" || dst == "" {
			continue
		}
		table[src+":"+dst] = struct{}{}
	}

	group := resilience.NewFallbackGroup[mt.Translator](fast, "mt-fast", resilience.FallbackConfig{})
	group.AddFallback("mt-general", general)

	return &FastPath{
		pairs:   table,
		group:   group,
		general: general,
	}
}

// Translate implements mt.Translator.
func (f *FastPath) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	if !f.fastPair(sourceLang, targetLang) {
		return f.general.Translate(ctx, text, sourceLang, targetLang)
	}
	return resilience.ExecuteWithResult(f.group, func(t mt.Translator) (string, error) {
		return t.Translate(ctx, text, sourceLang, targetLang)
	})
}

func (f *FastPath) fastPair(src, dst string) bool {
	key := strings.ToLower(src) + ":" + strings.ToLower(dst)
	_, ok := f.pairs[key]
	return ok
}
