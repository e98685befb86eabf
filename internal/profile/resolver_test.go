package profile

import (
	"context"
	"errors"
	"testing"
)

type fakeFetcher struct {
	photos map[int64]string
	err    error
	calls  int
}

func (f *fakeFetcher) ProfilePhoto(_ context.Context, userID int64) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.photos[userID], nil
}

func TestResolveJoinsUploadPrefix(t *testing.T) {
	f := &fakeFetcher{photos: map[int64]string{9: "9-avatar.png"}}
	r := NewResolver(f, "https://cdn.example/uploads/", nil)

	got := r.Resolve(context.Background(), 9)
	if got != "https://cdn.example/uploads/9-avatar.png" {
		t.Errorf("url = %q", got)
	}
}

func TestResolveCachesPositiveResult(t *testing.T) {
	f := &fakeFetcher{photos: map[int64]string{9: "9-avatar.png"}}
	r := NewResolver(f, "p/", nil)

	first := r.Resolve(context.Background(), 9)
	second := r.Resolve(context.Background(), 9)
	if first != second {
		t.Errorf("cache miss changed result: %q vs %q", first, second)
	}
	if f.calls != 1 {
		t.Errorf("fetcher called %d times, want 1", f.calls)
	}
}

func TestResolveCachesNegativeResult(t *testing.T) {
	f := &fakeFetcher{err: errors.New("network down")}
	r := NewResolver(f, "p/", nil)

	if got := r.Resolve(context.Background(), 5); got != DefaultAvatarURL {
		t.Errorf("url = %q, want default", got)
	}
	// Second call must not retry.
	if got := r.Resolve(context.Background(), 5); got != DefaultAvatarURL {
		t.Errorf("url = %q, want default", got)
	}
	if f.calls != 1 {
		t.Errorf("fetcher called %d times, want 1 (negative cache)", f.calls)
	}
}

func TestResolveEmptyFilenameIsDefault(t *testing.T) {
	f := &fakeFetcher{photos: map[int64]string{}}
	r := NewResolver(f, "p/", nil)

	if got := r.Resolve(context.Background(), 3); got != DefaultAvatarURL {
		t.Errorf("url = %q, want default for missing photo", got)
	}
	if f.calls != 1 {
		t.Fatalf("fetcher called %d times", f.calls)
	}
	r.Resolve(context.Background(), 3)
	if f.calls != 1 {
		t.Errorf("missing photo re-fetched")
	}
}
