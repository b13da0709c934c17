package users

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/chronicle/internal/chatlog"
)

type memoryProfiles struct {
	versions    []chatlog.UserProfile
	latestCalls [][]int64
}

func (m *memoryProfiles) InsertUserVersion(_ context.Context, profile chatlog.UserProfile) error {
	m.versions = append(m.versions, profile)
	return nil
}

func (m *memoryProfiles) LatestProfiles(_ context.Context, authorIDs []int64) (map[int64]chatlog.UserProfile, error) {
	m.latestCalls = append(m.latestCalls, append([]int64(nil), authorIDs...))
	latest := map[int64]chatlog.UserProfile{}
	for _, version := range m.versions {
		current, ok := latest[version.AuthorID]
		if !ok || version.LastSeen.After(current.LastSeen) {
			latest[version.AuthorID] = version
		}
	}
	result := map[int64]chatlog.UserProfile{}
	for _, authorID := range authorIDs {
		if profile, ok := latest[authorID]; ok {
			result[authorID] = profile
		}
	}
	return result, nil
}

func (m *memoryProfiles) EarliestFirstSeen(_ context.Context, authorID int64) (time.Time, bool, error) {
	var earliest time.Time
	found := false
	for _, version := range m.versions {
		if version.AuthorID != authorID {
			continue
		}
		if !found || version.FirstSeen.Before(earliest) {
			earliest = version.FirstSeen
			found = true
		}
	}
	return earliest, found, nil
}

func TestDisplayNameFallbackOrder(t *testing.T) {
	cases := []struct {
		name    string
		profile chatlog.UserProfile
		want    string
	}{
		{name: "first name wins over username", profile: chatlog.UserProfile{AuthorID: 7, FirstName: "Anna", Username: "anna99"}, want: "Anna"},
		{name: "full name", profile: chatlog.UserProfile{AuthorID: 7, FirstName: "Anna", LastName: "Petrova"}, want: "Anna Petrova"},
		{name: "last name alone", profile: chatlog.UserProfile{AuthorID: 7, LastName: "Petrova", Username: "anna99"}, want: "Petrova"},
		{name: "username only", profile: chatlog.UserProfile{AuthorID: 7, Username: "anna99"}, want: "anna99"},
		{name: "neither", profile: chatlog.UserProfile{AuthorID: 7}, want: "7"},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := DisplayName(testCase.profile); got != testCase.want {
				t.Fatalf("expected %q, got %q", testCase.want, got)
			}
		})
	}
}

func TestDisplayNamesDeduplicatesAndFallsBack(t *testing.T) {
	store := &memoryProfiles{}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.versions = []chatlog.UserProfile{
		{AuthorID: 1, Username: "anna99", FirstSeen: base, LastSeen: base},
		{AuthorID: 1, FirstName: "Anna", Username: "anna99", FirstSeen: base, LastSeen: base.Add(time.Hour)},
		{AuthorID: 2, Username: "boris", FirstSeen: base, LastSeen: base},
	}
	service, err := NewService(ServiceConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	names, err := service.DisplayNames(context.Background(), []int64{1, 2, 1, 42, 2})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if names[1] != "Anna" || names[2] != "boris" || names[42] != "42" {
		t.Fatalf("unexpected names: %#v", names)
	}
	if len(store.latestCalls) != 1 {
		t.Fatalf("expected one store lookup, got %d", len(store.latestCalls))
	}
	queried := store.latestCalls[0]
	sort.Slice(queried, func(i, j int) bool { return queried[i] < queried[j] })
	if len(queried) != 3 || queried[0] != 1 || queried[1] != 2 || queried[2] != 42 {
		t.Fatalf("expected de-duplicated ids, got %v", queried)
	}
}

func TestUpsertProfilePreservesFirstSeen(t *testing.T) {
	store := &memoryProfiles{}
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first := current
	service, err := NewService(ServiceConfig{
		Store: store,
		Clock: func() time.Time {
			return current
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	if err := service.UpsertProfile(context.Background(), chatlog.UserProfile{AuthorID: 9, Username: "anna99"}); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	current = current.Add(48 * time.Hour)
	if err := service.UpsertProfile(context.Background(), chatlog.UserProfile{AuthorID: 9, FirstName: "Anna"}); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	if len(store.versions) != 2 {
		t.Fatalf("expected two versions, got %d", len(store.versions))
	}
	latest := store.versions[1]
	if !latest.FirstSeen.Equal(first) {
		t.Fatalf("expected first seen %s to be carried forward, got %s", first, latest.FirstSeen)
	}
	if !latest.LastSeen.Equal(current) {
		t.Fatalf("expected last seen %s, got %s", current, latest.LastSeen)
	}

	names, err := service.DisplayNames(context.Background(), []int64{9})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if names[9] != "Anna" {
		t.Fatalf("expected latest version to win, got %q", names[9])
	}
}

func TestUpsertProfileRejectsMissingAuthor(t *testing.T) {
	service, err := NewService(ServiceConfig{Store: &memoryProfiles{}})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	if err := service.UpsertProfile(context.Background(), chatlog.UserProfile{Username: "ghost"}); err != ErrInvalidIdentity {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}
