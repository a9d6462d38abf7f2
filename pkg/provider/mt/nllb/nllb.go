// Package nllb provides a text translator backed by an NLLB-200 serving
// endpoint.
//
// NLLB models address languages by their own code set ("por_Latn" rather
// than "pt"); the translator maps ISO 639-1 tags before each request, so
// callers stay in primary-subtag land. Input longer than the model's working
// window is split into sentence-sized pieces, translated in order and
// rejoined.
package nllb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/voxrelay/voxrelay/pkg/provider/mt"
)

const (
	defaultTimeout = 20 * time.Second

	// defaultMaxChunkChars keeps a piece comfortably inside the model's
	// generation window (~400 tokens).
	defaultMaxChunkChars = 400

	translateEndpoint = "/translate"
)

// Compile-time assertion that Translator implements mt.Translator.
var _ mt.Translator = (*Translator)(nil)

// Translator is an HTTP client for an NLLB serving endpoint. It is safe for
// concurrent use.
type Translator struct {
	serverURL     string
	maxChunkChars int
	httpClient    *http.Client
}

// Option is a functional option for Translator.
type Option func(*Translator)

// WithTimeout sets the HTTP request timeout. Defaults to 20s.
func WithTimeout(d time.Duration) Option {
	return func(t *Translator) { t.httpClient.Timeout = d }
}

// WithMaxChunkChars sets the piece size for sentence chunking. Defaults
// to 400.
func WithMaxChunkChars(n int) Option {
	return func(t *Translator) {
		if n > 0 {
			t.maxChunkChars = n
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Translator) { t.httpClient = c }
}

// New creates a Translator talking to the given NLLB server base URL.
func New(serverURL string, opts ...Option) (*Translator, error) {
	if serverURL == "" {
		return nil, errors.New("nllb: serverURL must not be empty")
	}
	t := &Translator{
		serverURL:     strings.TrimSuffix(serverURL, "/"),
		maxChunkChars: defaultMaxChunkChars,
		httpClient:    &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

type translateRequest struct {
	Text   string `json:"text"`
	Source string `json:"source"`
	Target string `json:"target"`
}

type translateResponse struct {
	TranslatedText string `json:"translated_text"`
}

// Translate translates text from sourceLang to targetLang. Identical source
// and target is a no-op. Long input is split into sentence-sized pieces and
// the translations joined with single spaces.
func (t *Translator) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}
	if sourceLang == targetLang {
		return text, nil
	}

	pieces := mt.SplitSentences(text, t.maxChunkChars)
	if len(pieces) == 1 {
		return t.translateOne(ctx, pieces[0], sourceLang, targetLang)
	}

	out := make([]string, 0, len(pieces))
	for _, piece := range pieces {
		translated, err := t.translateOne(ctx, piece, sourceLang, targetLang)
		if err != nil {
			return "", err
		}
		if translated != "" {
			out = append(out, translated)
		}
	}
	return strings.Join(out, " "), nil
}

func (t *Translator) translateOne(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	body, err := json.Marshal(translateRequest{
		Text:   text,
		Source: Code(sourceLang),
		Target: Code(targetLang),
	})
	if err != nil {
		return "", fmt.Errorf("nllb: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.serverURL+translateEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("nllb: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("nllb: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("nllb: server returned HTTP %d", resp.StatusCode)
	}

	var tr translateResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("nllb: decode response: %w", err)
	}
	return strings.TrimSpace(tr.TranslatedText), nil
}

// Code maps an ISO 639-1 primary subtag to its NLLB-200 language code.
// Unknown tags fall back to eng_Latn, matching the serving default.
func Code(lang string) string {
	if code, ok := nllbCodes[strings.ToLower(strings.TrimSpace(lang))]; ok {
		return code
	}
	return "eng_Latn"
}

var nllbCodes = map[string]string{
	"en":  "eng_Latn",
	"zh":  "zho_Hans",
	"hi":  "hin_Deva",
	"es":  "spa_Latn",
	"ar":  "arb_Arab",
	"bn":  "ben_Beng",
	"pt":  "por_Latn",
	"ru":  "rus_Cyrl",
	"ja":  "jpn_Jpan",
	"pa":  "pan_Guru",
	"de":  "deu_Latn",
	"jv":  "jav_Latn",
	"ko":  "kor_Hang",
	"fr":  "fra_Latn",
	"te":  "tel_Telu",
	"mr":  "mar_Deva",
	"tr":  "tur_Latn",
	"ta":  "tam_Taml",
	"vi":  "vie_Latn",
	"ur":  "urd_Arab",
	"it":  "ita_Latn",
	"th":  "tha_Thai",
	"gu":  "guj_Gujr",
	"pl":  "pol_Latn",
	"uk":  "ukr_Cyrl",
	"ml":  "mal_Mlym",
	"kn":  "kan_Knda",
	"or":  "ori_Orya",
	"fa":  "pes_Arab",
	"my":  "mya_Mymr",
	"nl":  "nld_Latn",
	"ro":  "ron_Latn",
	"cs":  "ces_Latn",
	"sv":  "swe_Latn",
	"el":  "ell_Grek",
	"hu":  "hun_Latn",
	"he":  "heb_Hebr",
	"fi":  "fin_Latn",
	"da":  "dan_Latn",
	"no":  "nob_Latn",
	"id":  "ind_Latn",
	"ms":  "msa_Latn",
	"fil": "tgl_Latn",
	"sw":  "swa_Latn",
	"bg":  "bul_Cyrl",
	"sk":  "slk_Latn",
	"hr":  "hrv_Latn",
	"sr":  "srp_Cyrl",
	"lt":  "lit_Latn",
	"sl":  "slv_Latn",
}
