// Package session owns the per-image state that must survive across prompt
// calls: the raw pixels, the lazily created backend encoder state, and the
// cached refinement logits of an in-progress point sequence.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sort"
	"sync"

	"github.com/seglab/seglab/internal/backend"
	"go.uber.org/zap"
)

// ErrNotFound is returned when an image id was never registered.
var ErrNotFound = errors.New("image not found")

// ImageInfo is the registration metadata exposed for export assembly.
type ImageInfo struct {
	ID       string `json:"id"`
	FileName string `json:"file_name"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

// Session is the state of one registered image. The pixel buffer is immutable
// after registration. Field access is guarded by mu; whole prompt calls
// serialize on promptMu so two prompts for the same image can never interleave
// around the backend suspension point.
type Session struct {
	id       string
	fileName string
	img      image.Image
	width    int
	height   int

	promptMu sync.Mutex

	mu           sync.Mutex
	encoderState backend.EncoderState
	logits       *backend.Logits

	backend backend.Backend
}

// Store maps image ids to sessions. Registration and lookup take the store
// lock; prompt execution only ever takes the per-session locks, so unrelated
// images proceed in parallel.
type Store struct {
	backend backend.Backend
	log     *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates an empty store bound to a backend.
func NewStore(b backend.Backend, log *zap.Logger) *Store {
	return &Store{
		backend:  b,
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// Register stores an image under id. Re-registering an existing id replaces
// the pixels and discards any encoder state and refinement logits, matching
// re-upload semantics. The backend is not touched; encoder state is created
// lazily on first prompt.
func (st *Store) Register(id, fileName string, img image.Image) {
	bounds := img.Bounds()
	sess := &Session{
		id:       id,
		fileName: fileName,
		img:      img,
		width:    bounds.Dx(),
		height:   bounds.Dy(),
		backend:  st.backend,
	}

	st.mu.Lock()
	_, replaced := st.sessions[id]
	st.sessions[id] = sess
	st.mu.Unlock()

	st.log.Info("image registered",
		zap.String("image_id", id),
		zap.Int("width", sess.width),
		zap.Int("height", sess.height),
		zap.Bool("replaced", replaced))
}

// Get returns the session for id, or ErrNotFound.
func (st *Store) Get(id string) (*Session, error) {
	st.mu.RLock()
	sess, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return sess, nil
}

// Info returns the registration metadata for id.
func (st *Store) Info(id string) (ImageInfo, error) {
	sess, err := st.Get(id)
	if err != nil {
		return ImageInfo{}, err
	}
	return ImageInfo{ID: sess.id, FileName: sess.fileName, Width: sess.width, Height: sess.height}, nil
}

// List returns metadata for every registered image, ordered by id.
func (st *Store) List() []ImageInfo {
	st.mu.RLock()
	infos := make([]ImageInfo, 0, len(st.sessions))
	for _, sess := range st.sessions {
		infos = append(infos, ImageInfo{ID: sess.id, FileName: sess.fileName, Width: sess.width, Height: sess.height})
	}
	st.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// ID returns the image id.
func (s *Session) ID() string { return s.id }

// Image returns the registered pixel buffer.
func (s *Session) Image() image.Image { return s.img }

// Width returns the image width in pixels.
func (s *Session) Width() int { return s.width }

// Height returns the image height in pixels.
func (s *Session) Height() int { return s.height }

// Exclusive runs fn while holding the session's prompt lock. Prompts for the
// same image apply in arrival order; prompts for different images are not
// serialized against each other.
func (s *Session) Exclusive(fn func() error) error {
	s.promptMu.Lock()
	defer s.promptMu.Unlock()
	return fn()
}

// EncoderState returns the cached backend encoder state, creating it on first
// use. Registration never pays the encoding cost; the first prompt does.
func (s *Session) EncoderState(ctx context.Context) (backend.EncoderState, error) {
	s.mu.Lock()
	cached := s.encoderState
	s.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	state, err := s.backend.EncodeImage(ctx, s.img)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image %q: %w", s.id, err)
	}

	s.mu.Lock()
	if s.encoderState == nil {
		s.encoderState = state
	}
	state = s.encoderState
	s.mu.Unlock()
	return state, nil
}

// RefinementLogits returns the cached logits of the active refinement
// sequence, or nil.
func (s *Session) RefinementLogits() *backend.Logits {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logits
}

// SetRefinementLogits caches logits for the next refinement step.
func (s *Session) SetRefinementLogits(l *backend.Logits) {
	s.mu.Lock()
	s.logits = l
	s.mu.Unlock()
}

// ClearRefinementLogits drops the cached logits and reports whether anything
// was cleared.
func (s *Session) ClearRefinementLogits() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	had := s.logits != nil
	s.logits = nil
	return had
}

// ResetPrompts clears prompt state accumulated inside the encoder state,
// independent of the refinement logits. A session whose encoder state was
// never created has nothing to reset.
func (s *Session) ResetPrompts(ctx context.Context) error {
	s.mu.Lock()
	state := s.encoderState
	s.mu.Unlock()
	if state == nil {
		return nil
	}
	if err := s.backend.ResetPrompts(state); err != nil {
		return fmt.Errorf("failed to reset prompts for %q: %w", s.id, err)
	}
	return nil
}
