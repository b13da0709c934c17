// Package users keeps versioned author profiles and resolves display names.
package users

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/chronicle/internal/chatlog"
)

// ErrInvalidIdentity indicates the profile did not contain a usable author id.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for profile handling.
type ServiceConfig struct {
	Store chatlog.ProfileStore
	Clock func() time.Time
}

// Service writes profile versions and resolves author display names.
type Service struct {
	store chatlog.ProfileStore
	now   func() time.Time
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("users: profile store required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{store: cfg.Store, now: clock}, nil
}

// UpsertProfile appends a new profile version seen now. The earliest known
// FirstSeen of the author is carried forward.
func (s *Service) UpsertProfile(ctx context.Context, profile chatlog.UserProfile) error {
	if profile.AuthorID <= 0 {
		return ErrInvalidIdentity
	}
	now := s.now().UTC()
	firstSeen := now
	earliest, ok, err := s.store.EarliestFirstSeen(ctx, profile.AuthorID)
	if err != nil {
		return err
	}
	if ok && earliest.Before(firstSeen) {
		firstSeen = earliest
	}
	version := chatlog.UserProfile{
		AuthorID:  profile.AuthorID,
		Username:  normalize(profile.Username),
		FirstName: normalize(profile.FirstName),
		LastName:  normalize(profile.LastName),
		FirstSeen: firstSeen,
		LastSeen:  now,
	}
	return s.store.InsertUserVersion(ctx, version)
}

// DisplayNames maps every requested author id to its display label. Ids
// without a profile resolve to their decimal form.
func (s *Service) DisplayNames(ctx context.Context, authorIDs []int64) (map[int64]string, error) {
	unique := make([]int64, 0, len(authorIDs))
	seen := make(map[int64]struct{}, len(authorIDs))
	for _, authorID := range authorIDs {
		if _, exists := seen[authorID]; exists {
			continue
		}
		seen[authorID] = struct{}{}
		unique = append(unique, authorID)
	}

	names := make(map[int64]string, len(unique))
	if len(unique) == 0 {
		return names, nil
	}
	profiles, err := s.store.LatestProfiles(ctx, unique)
	if err != nil {
		return nil, err
	}
	for _, authorID := range unique {
		profile, ok := profiles[authorID]
		if !ok {
			names[authorID] = strconv.FormatInt(authorID, 10)
			continue
		}
		profile.AuthorID = authorID
		names[authorID] = DisplayName(profile)
	}
	return names, nil
}
