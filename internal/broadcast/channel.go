package broadcast

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Channel resources.
const (
	ResourcePosts         = "gmb-posts"
	ResourceNotifications = "notifications"
)

// Channel scopes.
const (
	ScopeUser = "user"
	ScopePost = "post"
)

// ErrInvalidChannel is returned for names outside the channel grammar.
var ErrInvalidChannel = errors.New("invalid channel")

// Channel is a parsed channel name of the form <resource>/<scope>/<id>.
type Channel struct {
	Resource string
	Scope    string
	ID       int64
}

// UserChannel is the owner-scoped post channel for userID.
func UserChannel(userID int64) Channel {
	return Channel{Resource: ResourcePosts, Scope: ScopeUser, ID: userID}
}

// PostChannel is the channel for a single post.
func PostChannel(postID int64) Channel {
	return Channel{Resource: ResourcePosts, Scope: ScopePost, ID: postID}
}

// NotificationChannel is the notification channel for userID.
func NotificationChannel(userID int64) Channel {
	return Channel{Resource: ResourceNotifications, Scope: ScopeUser, ID: userID}
}

// String returns the wire name, e.g. "gmb-posts/user/5".
func (c Channel) String() string {
	return c.Resource + "/" + c.Scope + "/" + strconv.FormatInt(c.ID, 10)
}

// ParseChannel parses a channel name.
//
// Accepted shapes:
//
//	gmb-posts/user/<id>
//	gmb-posts/post/<id>
//	notifications/user/<id>
//
// Ids are positive decimal integers with no sign or leading zeros.
func ParseChannel(name string) (Channel, error) {
	parts := strings.Split(name, "/")
	if len(parts) != 3 {
		return Channel{}, fmt.Errorf("%w: %q", ErrInvalidChannel, name)
	}
	resource, scope, rawID := parts[0], parts[1], parts[2]

	switch {
	case resource == ResourcePosts && (scope == ScopeUser || scope == ScopePost):
	case resource == ResourceNotifications && scope == ScopeUser:
	default:
		return Channel{}, fmt.Errorf("%w: %q", ErrInvalidChannel, name)
	}

	id, ok := parseID(rawID)
	if !ok {
		return Channel{}, fmt.Errorf("%w: bad id in %q", ErrInvalidChannel, name)
	}
	return Channel{Resource: resource, Scope: scope, ID: id}, nil
}

func parseID(s string) (int64, bool) {
	if s == "" || s[0] == '0' {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
