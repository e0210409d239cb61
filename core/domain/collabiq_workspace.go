package domain

import "time"

// Company is one row of the Companies database as the matchers see it.
// Category comes from a configurable select property and feeds the
// deterministic collaboration-type classification.
type Company struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
}

// Company categories recognized by the classifier.
const (
	CompanyCategoryPortfolio = "Portfolio"
	CompanyCategoryAffiliate = "Affiliate"
)

func (c Company) IsPortfolio() bool { return c.Category == CompanyCategoryPortfolio }
func (c Company) IsAffiliate() bool { return c.Category == CompanyCategoryAffiliate }

// UserType separates people from integration bots; bots are excluded from
// person matching.
type UserType string

const (
	UserPerson UserType = "person"
	UserBot    UserType = "bot"
)

// WorkspaceUser is one workspace member as the person matcher sees it.
type WorkspaceUser struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Type  UserType `json:"type"`
	Email string   `json:"email,omitempty"`
}

// DuplicateBehavior controls what the writer does when a message id is
// already present in the Collaborations database.
type DuplicateBehavior string

const (
	DuplicateSkip   DuplicateBehavior = "skip"
	DuplicateUpdate DuplicateBehavior = "update"
)

// WriteStatus is the terminal state of one write. Parked means the payload
// went to the DLQ instead of the workspace; the cycle step still concluded
// and the cursor may advance.
type WriteStatus string

const (
	WriteCreated WriteStatus = "created"
	WriteUpdated WriteStatus = "updated"
	WriteSkipped WriteStatus = "skipped"
	WriteParked  WriteStatus = "parked"
)

// WriteResult reports how an entry landed in the workspace.
type WriteResult struct {
	PageID string      `json:"page_id"`
	Status WriteStatus `json:"status"`
	DLQID  string      `json:"dlq_id,omitempty"`
}

// CacheEnvelope wraps a cached payload with its TTL metadata. Invalidation
// is lazy: expiry is checked on read, not by a background sweeper.
type CacheEnvelope[T any] struct {
	CachedAt   time.Time `json:"cached_at"`
	TTLSeconds int64     `json:"ttl_seconds"`
	Data       T         `json:"data"`
}

// Expired reports whether the envelope has outlived its TTL at now.
func (c CacheEnvelope[T]) Expired(now time.Time) bool {
	if c.CachedAt.IsZero() {
		return true
	}
	return now.Sub(c.CachedAt) > time.Duration(c.TTLSeconds)*time.Second
}
