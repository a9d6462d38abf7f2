// Package profile resolves the on-disk voice reference used to clone a
// speaker's timbre during synthesis.
//
// Resolution order: a stored profile record that is marked ready and whose
// reference file still exists, then the conventional fallback path
// <voices>/<user_id>.wav. When neither exists the resolver returns the empty
// string and the pipeline synthesizes with the default voice, marking the
// delivery with voice_fallback.
//
// When a store and a voice embedder are configured, the first successful
// resolution for a user also enrolls a voice print (speaker embedding) in the
// background. Prints power the similar-voice lookup used for impersonation
// checks.
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/voxrelay/voxrelay/pkg/provider/tts"
)

// ErrNotFound is returned by Store.Profile when no record exists for a user.
var ErrNotFound = errors.New("profile: not found")

// ErrNoEmbedder is returned by Enroll when the configured synthesizer cannot
// produce speaker embeddings.
var ErrNoEmbedder = errors.New("profile: synthesizer does not support voice embedding")

// Record is a stored voice profile pointing at a reference recording.
type Record struct {
	UserID        string
	ReferencePath string
	Ready         bool
	UpdatedAt     time.Time
}

// Print is a stored speaker embedding.
type Print struct {
	UserID    string
	Embedding []float32
	UpdatedAt time.Time
}

// Match is one similar-voice lookup result. Distance is the cosine distance
// to the query user's print; smaller means more similar.
type Match struct {
	UserID   string
	Distance float64
}

// Store persists voice profile records and speaker voice prints.
// Implementations must be safe for concurrent use.
type Store interface {
	// Profile returns the record for a user, or ErrNotFound.
	Profile(ctx context.Context, userID string) (Record, error)

	// SaveProfile inserts or replaces the record for rec.UserID.
	SaveProfile(ctx context.Context, rec Record) error

	// SavePrint inserts or replaces the voice print for a user.
	SavePrint(ctx context.Context, userID string, embedding []float32) error

	// SimilarVoices returns up to limit users whose prints are closest to the
	// given user's print, ordered by ascending distance. The query user is
	// excluded. Returns ErrNotFound when the user has no print.
	SimilarVoices(ctx context.Context, userID string, limit int) ([]Match, error)
}

// enrollTimeout bounds the background voice-print enrollment triggered by a
// first successful resolution.
const enrollTimeout = 30 * time.Second

// Resolver picks the best speaker reference for a user.
type Resolver struct {
	voicesDir string
	store     Store
	embedder  tts.VoiceEmbedder

	enrolled sync.Map // userID → struct{}, guards one enrollment per user
}

// Option is a functional option for a Resolver.
type Option func(*Resolver)

// WithStore attaches a profile store. Without one the resolver only checks
// the fallback path.
func WithStore(store Store) Option {
	return func(r *Resolver) { r.store = store }
}

// WithEmbedder attaches a voice embedder used for background voice-print
// enrollment. Only meaningful together with WithStore.
func WithEmbedder(e tts.VoiceEmbedder) Option {
	return func(r *Resolver) { r.embedder = e }
}

// NewResolver creates a resolver rooted at voicesDir.
func NewResolver(voicesDir string, opts ...Option) *Resolver {
	r := &Resolver{voicesDir: voicesDir}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the path of the best reference recording for a user, or the
// empty string when only the default voice is available. Store errors degrade
// to the fallback path; resolution never fails.
func (r *Resolver) Resolve(ctx context.Context, userID string) string {
	if path := r.fromStore(ctx, userID); path != "" {
		r.enrollOnce(userID, path)
		return path
	}

	fallback := filepath.Join(r.voicesDir, userID+".wav")
	if fileExists(fallback) {
		r.enrollOnce(userID, fallback)
		return fallback
	}
	return ""
}

// fromStore returns the stored reference path when the record is ready and
// the file is still present.
func (r *Resolver) fromStore(ctx context.Context, userID string) string {
	if r.store == nil {
		return ""
	}
	rec, err := r.store.Profile(ctx, userID)
	switch {
	case errors.Is(err, ErrNotFound):
		return ""
	case err != nil:
		slog.Warn("profile: store lookup failed, using fallback path",
			"user_id", userID, "error", err)
		return ""
	}
	if !rec.Ready || rec.ReferencePath == "" {
		return ""
	}
	if !fileExists(rec.ReferencePath) {
		slog.Warn("profile: stored reference missing on disk",
			"user_id", userID, "path", rec.ReferencePath)
		return ""
	}
	return rec.ReferencePath
}

// enrollOnce kicks off a background Enroll the first time a user's reference
// resolves. Later resolutions are no-ops even if the enrollment failed; a
// broken reference file will not improve by retrying every delivery.
func (r *Resolver) enrollOnce(userID, path string) {
	if r.store == nil || r.embedder == nil {
		return
	}
	if _, loaded := r.enrolled.LoadOrStore(userID, struct{}{}); loaded {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), enrollTimeout)
		defer cancel()
		if err := r.Enroll(ctx, userID, path); err != nil {
			slog.Warn("profile: voice print enrollment failed",
				"user_id", userID, "path", path, "error", err)
		}
	}()
}

// Enroll computes the speaker embedding for a reference recording and stores
// it as the user's voice print.
func (r *Resolver) Enroll(ctx context.Context, userID, path string) error {
	if r.store == nil {
		return errors.New("profile: no store configured")
	}
	if r.embedder == nil {
		return ErrNoEmbedder
	}

	embedding, err := r.embedder.EmbedSpeaker(ctx, path)
	if err != nil {
		return fmt.Errorf("profile: embed speaker: %w", err)
	}
	if len(embedding) == 0 {
		return errors.New("profile: embedder returned empty embedding")
	}

	if err := r.store.SavePrint(ctx, userID, embedding); err != nil {
		return fmt.Errorf("profile: save print: %w", err)
	}
	slog.Debug("profile: voice print enrolled", "user_id", userID, "dims", len(embedding))
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
