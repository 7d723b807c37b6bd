package session

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"

	"github.com/seglab/seglab/internal/backend"
	"go.uber.org/zap"
)

func testImage(w, h int) image.Image {
	return image.NewRGBA(image.Rect(0, 0, w, h))
}

func newTestStore() (*Store, *backend.Mock) {
	mock := backend.NewMock()
	return NewStore(mock, zap.NewNop()), mock
}

func TestRegisterAndGet(t *testing.T) {
	store, _ := newTestStore()
	store.Register("img-1", "cat.jpg", testImage(640, 480))

	sess, err := store.Get("img-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if sess.Width() != 640 || sess.Height() != 480 {
		t.Errorf("dimensions = %dx%d, want 640x480", sess.Width(), sess.Height())
	}

	info, err := store.Info("img-1")
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.FileName != "cat.jpg" {
		t.Errorf("FileName = %q, want %q", info.FileName, "cat.jpg")
	}
}

func TestGetUnknownImage(t *testing.T) {
	store, _ := newTestStore()
	if _, err := store.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestReregisterDiscardsState(t *testing.T) {
	store, mock := newTestStore()
	store.Register("img-1", "a.jpg", testImage(100, 100))

	sess, _ := store.Get("img-1")
	if _, err := sess.EncoderState(context.Background()); err != nil {
		t.Fatalf("EncoderState failed: %v", err)
	}
	sess.SetRefinementLogits(&backend.Logits{Width: 1, Height: 1, Data: []float32{1}})

	store.Register("img-1", "b.jpg", testImage(200, 200))

	fresh, _ := store.Get("img-1")
	if fresh.Width() != 200 {
		t.Errorf("width after re-register = %d, want 200", fresh.Width())
	}
	if fresh.RefinementLogits() != nil {
		t.Error("refinement logits survived re-registration")
	}

	// A fresh session pays the encoding cost again on its first prompt.
	if _, err := fresh.EncoderState(context.Background()); err != nil {
		t.Fatalf("EncoderState failed: %v", err)
	}
	if got := mock.EncodeCalls(); got != 2 {
		t.Errorf("EncodeCalls = %d, want 2", got)
	}
}

func TestEncoderStateIsLazyAndCached(t *testing.T) {
	store, mock := newTestStore()
	store.Register("img-1", "a.jpg", testImage(64, 64))

	if got := mock.EncodeCalls(); got != 0 {
		t.Fatalf("EncodeCalls after Register = %d, want 0", got)
	}

	sess, _ := store.Get("img-1")
	first, err := sess.EncoderState(context.Background())
	if err != nil {
		t.Fatalf("EncoderState failed: %v", err)
	}
	second, err := sess.EncoderState(context.Background())
	if err != nil {
		t.Fatalf("EncoderState failed: %v", err)
	}
	if first != second {
		t.Error("EncoderState returned different states on repeat calls")
	}
	if got := mock.EncodeCalls(); got != 1 {
		t.Errorf("EncodeCalls = %d, want 1", got)
	}
}

func TestRefinementLogitsLifecycle(t *testing.T) {
	store, _ := newTestStore()
	store.Register("img-1", "a.jpg", testImage(64, 64))
	sess, _ := store.Get("img-1")

	if sess.RefinementLogits() != nil {
		t.Fatal("fresh session has logits")
	}
	if sess.ClearRefinementLogits() {
		t.Error("ClearRefinementLogits reported a clear on empty state")
	}

	l := &backend.Logits{Width: 2, Height: 2, Data: make([]float32, 4)}
	sess.SetRefinementLogits(l)
	if sess.RefinementLogits() != l {
		t.Error("RefinementLogits did not return the cached value")
	}

	if !sess.ClearRefinementLogits() {
		t.Error("ClearRefinementLogits did not report the clear")
	}
	if sess.RefinementLogits() != nil {
		t.Error("logits survived clear")
	}
}

func TestResetPromptsWithoutEncoderState(t *testing.T) {
	store, mock := newTestStore()
	store.Register("img-1", "a.jpg", testImage(64, 64))
	sess, _ := store.Get("img-1")

	if err := sess.ResetPrompts(context.Background()); err != nil {
		t.Fatalf("ResetPrompts failed: %v", err)
	}
	if mock.ResetCalled() {
		t.Error("backend reset ran before any encoder state existed")
	}

	if _, err := sess.EncoderState(context.Background()); err != nil {
		t.Fatalf("EncoderState failed: %v", err)
	}
	if err := sess.ResetPrompts(context.Background()); err != nil {
		t.Fatalf("ResetPrompts failed: %v", err)
	}
	if !mock.ResetCalled() {
		t.Error("backend reset did not run")
	}
}

func TestListIsSorted(t *testing.T) {
	store, _ := newTestStore()
	store.Register("c", "c.jpg", testImage(1, 1))
	store.Register("a", "a.jpg", testImage(1, 1))
	store.Register("b", "b.jpg", testImage(1, 1))

	infos := store.List()
	if len(infos) != 3 {
		t.Fatalf("List returned %d entries, want 3", len(infos))
	}
	for i, want := range []string{"a", "b", "c"} {
		if infos[i].ID != want {
			t.Errorf("infos[%d].ID = %q, want %q", i, infos[i].ID, want)
		}
	}
}

func TestConcurrentEncoderState(t *testing.T) {
	store, mock := newTestStore()
	store.Register("img-1", "a.jpg", testImage(32, 32))
	sess, _ := store.Get("img-1")

	var wg sync.WaitGroup
	states := make([]backend.EncoderState, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := sess.EncoderState(context.Background())
			if err != nil {
				t.Errorf("EncoderState failed: %v", err)
				return
			}
			states[i] = s
		}(i)
	}
	wg.Wait()

	for i := 1; i < 8; i++ {
		if states[i] != states[0] {
			t.Fatalf("goroutine %d observed a different encoder state", i)
		}
	}
	// Concurrent first use may race to encode, but exactly one result wins.
	if got := mock.EncodeCalls(); got < 1 {
		t.Errorf("EncodeCalls = %d, want at least 1", got)
	}
}
