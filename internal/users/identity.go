package users

import (
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/chronicle/internal/chatlog"
)

// DisplayName resolves the human-readable label for a profile: the trimmed
// full name, then the username, then the stringified author id.
func DisplayName(profile chatlog.UserProfile) string {
	if fullName := normalize(profile.FirstName + " " + profile.LastName); fullName != "" {
		return fullName
	}
	if username := normalize(profile.Username); username != "" {
		return username
	}
	return strconv.FormatInt(profile.AuthorID, 10)
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
