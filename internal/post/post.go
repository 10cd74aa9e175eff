// Package post defines the GMB post record tracked for live updates, its
// content fingerprint, and the change sink that storage reports writes to.
package post

import (
	"time"

	"github.com/roach88/postpulse/internal/canon"
)

// FingerprintDomain versions the watched field set. Bump the suffix when
// WatchedFields changes so old and new digests never compare equal.
const FingerprintDomain = "postpulse/post/v1"

// Post statuses used by the dashboard and the publishing workflow.
const (
	StatusDraft     = "draft"
	StatusScheduled = "scheduled"
	StatusPublished = "published"
	StatusFailed    = "failed"
)

// ValidStatuses lists the statuses accepted on write.
var ValidStatuses = []string{StatusDraft, StatusScheduled, StatusPublished, StatusFailed}

// Post is a Google Business Profile post owned by exactly one user.
type Post struct {
	ID           int64     `json:"id" yaml:"id,omitempty"`
	UserID       int64     `json:"userId" yaml:"user_id"`
	Status       string    `json:"status" yaml:"status"`
	Text         string    `json:"text" yaml:"text"`
	PostDate     string    `json:"postDate,omitempty" yaml:"post_date,omitempty"`
	ImageURL     string    `json:"imageUrl,omitempty" yaml:"image_url,omitempty"`
	LinkURL      string    `json:"linkUrl,omitempty" yaml:"link_url,omitempty"`
	CallToAction string    `json:"callToAction,omitempty" yaml:"call_to_action,omitempty"`
	PostType     string    `json:"postType,omitempty" yaml:"post_type,omitempty"`
	Tags         []string  `json:"tags" yaml:"tags,omitempty"`
	NotionPageID string    `json:"notionPageId,omitempty" yaml:"notion_page_id,omitempty"`
	CreatedAt    time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt    time.Time `json:"updatedAt" yaml:"-"`
}

// WatchedFields returns the content fields that participate in change
// detection. Identity and timestamps are excluded.
func WatchedFields(p Post) canon.Object {
	tags := p.Tags
	if tags == nil {
		tags = []string{}
	}
	return canon.Object{
		"user_id":        canon.Int(p.UserID),
		"status":         canon.String(p.Status),
		"text":           canon.String(p.Text),
		"post_date":      canon.OptionalString(p.PostDate),
		"image_url":      canon.OptionalString(p.ImageURL),
		"link_url":       canon.OptionalString(p.LinkURL),
		"call_to_action": canon.OptionalString(p.CallToAction),
		"post_type":      canon.OptionalString(p.PostType),
		"tags":           canon.Strings(tags),
		"notion_page_id": canon.OptionalString(p.NotionPageID),
	}
}

// Fingerprint digests the watched fields of p.
// Equal watched values always yield equal fingerprints.
func Fingerprint(p Post) string {
	// WatchedFields holds no floats, so canonical marshaling cannot fail.
	return canon.MustFingerprint(FingerprintDomain, WatchedFields(p))
}

// IsValidStatus reports whether s is one of ValidStatuses.
func IsValidStatus(s string) bool {
	for _, v := range ValidStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// User owns posts and authenticates with an API token.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	APIToken  string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}
