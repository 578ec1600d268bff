package audit

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Detail keys filled in by enrichment.
const (
	DetailUsername = "username"
	DetailUserID   = "user_id"
)

// UserLookup resolves a user id to a username within a realm. It reports
// false when the user does not exist.
type UserLookup interface {
	Username(ctx context.Context, realmID, userID string) (string, bool)
}

// UserLookupFunc adapts a function to UserLookup.
type UserLookupFunc func(ctx context.Context, realmID, userID string) (string, bool)

// Username calls f.
func (f UserLookupFunc) Username(ctx context.Context, realmID, userID string) (string, bool) {
	return f(ctx, realmID, userID)
}

// enrichEvent returns e with a username detail when the event names a user
// but not its username. A missing time or type is filled in. e itself is
// left untouched.
func enrichEvent(ctx context.Context, lookup UserLookup, e Event) Event {
	if e.Time == 0 {
		e.Time = time.Now().UnixMilli()
	}
	if e.Type == "" {
		e.Type = EventUnknown
	}
	e.Details = copyDetails(e.Details)
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	if lookup == nil || e.UserID == "" || e.Details[DetailUsername] != "" {
		return e
	}
	if name, ok := lookup.Username(ctx, e.RealmID, e.UserID); ok {
		e.Details[DetailUsername] = name
	}
	return e
}

// enrichAdminEvent fills the acting user's username and, when the resource
// is a single user, the target user's id and username.
func enrichAdminEvent(ctx context.Context, lookup UserLookup, e AdminEvent) AdminEvent {
	if e.Time == 0 {
		e.Time = time.Now().UnixMilli()
	}
	e.Details = copyDetails(e.Details)
	if e.AuthDetails != nil {
		ad := *e.AuthDetails
		e.AuthDetails = &ad
	}
	if lookup == nil {
		return e
	}
	if ad := e.AuthDetails; ad != nil && ad.UserID != "" {
		if name, ok := lookup.Username(ctx, ad.RealmID, ad.UserID); ok {
			ad.Username = name
		}
	}
	if userID, ok := userResourceID(e.ResourcePath); ok {
		if e.Details == nil {
			e.Details = make(map[string]string)
		}
		e.Details[DetailUserID] = userID
		if name, ok := lookup.Username(ctx, e.RealmID, userID); ok {
			e.Details[DetailUsername] = name
		}
	}
	return e
}

// userResourceID extracts the id from a "users/<uuid>" resource path.
// Sub-resources such as "users/<uuid>/groups" do not match.
func userResourceID(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, "users/")
	if !ok || len(rest) != 36 {
		return "", false
	}
	if _, err := uuid.Parse(rest); err != nil {
		return "", false
	}
	return rest, true
}
