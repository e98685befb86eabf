// Package profile resolves user avatar URLs with a process-lifetime cache.
package profile

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// DefaultAvatarURL is served for users without a photo on record.
const DefaultAvatarURL = "assets/default-avatar.png"

// PhotoFetcher is the backend lookup the resolver memoizes.
type PhotoFetcher interface {
	ProfilePhoto(ctx context.Context, userID int64) (string, error)
}

// Resolver memoizes avatar lookups by user id. Negative results (no photo,
// network failure) are cached as the default asset so a user without a photo
// does not trigger a fetch on every render. Entries live for the process
// lifetime; there is no eviction.
type Resolver struct {
	mu           sync.RWMutex
	cache        map[int64]string
	fetcher      PhotoFetcher
	uploadPrefix string
	logger       *zap.Logger
}

// NewResolver creates a resolver. uploadPrefix is joined with the filename
// the backend returns to form the final URL.
func NewResolver(fetcher PhotoFetcher, uploadPrefix string, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		cache:        make(map[int64]string),
		fetcher:      fetcher,
		uploadPrefix: uploadPrefix,
		logger:       logger,
	}
}

// Resolve returns a displayable avatar URL for the user. Never fails: any
// error resolves to the default asset.
func (r *Resolver) Resolve(ctx context.Context, userID int64) string {
	r.mu.RLock()
	url, ok := r.cache[userID]
	r.mu.RUnlock()
	if ok {
		return url
	}

	filename, err := r.fetcher.ProfilePhoto(ctx, userID)
	if err != nil || filename == "" {
		if err != nil {
			r.logger.Warn("profile photo fetch failed", zap.Int64("user_id", userID), zap.Error(err))
		}
		url = DefaultAvatarURL
	} else {
		url = r.uploadPrefix + filename
	}

	r.mu.Lock()
	r.cache[userID] = url
	r.mu.Unlock()
	return url
}
