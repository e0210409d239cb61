package out

import (
	"context"
	"time"

	"collabiq/core/domain"
)

// PropertySchema describes one property of a workspace database.
type PropertySchema struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Options []string `json:"options,omitempty"` // select/multi_select 옵션명
}

// DatabaseSchema is the discovered shape of one database.
type DatabaseSchema struct {
	ID         string                    `json:"id"`
	Title      string                    `json:"title"`
	Properties map[string]PropertySchema `json:"properties"`
}

// WorkspaceSchema bundles the schemas the pipeline needs.
type WorkspaceSchema struct {
	Collaborations DatabaseSchema `json:"collaborations"`
	Companies      DatabaseSchema `json:"companies"`
	DiscoveredAt   time.Time      `json:"discovered_at"`
}

// WorkspaceStore defines the outbound port to the workspace API. The
// property payloads passed through CreateEntry and UpdateEntry are the wire
// format built by the field mapper; the adapter transports them untouched.
type WorkspaceStore interface {
	// Schema discovers the Collaborations and Companies database schemas.
	Schema(ctx context.Context) (*WorkspaceSchema, error)

	// ListCompanies fetches every row of the Companies database.
	ListCompanies(ctx context.Context) ([]domain.Company, error)

	// ListUsers fetches every workspace member.
	ListUsers(ctx context.Context) ([]domain.WorkspaceUser, error)

	// FindEntryByMessageID queries the Collaborations database for an entry
	// carrying the message id. Returns the page id when found.
	FindEntryByMessageID(ctx context.Context, messageID string) (pageID string, found bool, err error)

	// CreateEntry creates a Collaborations page from mapped properties.
	CreateEntry(ctx context.Context, properties map[string]any) (pageID string, err error)

	// UpdateEntry overwrites the given properties on an existing page.
	UpdateEntry(ctx context.Context, pageID string, properties map[string]any) error

	// CreateCompany adds a Companies row with the given title and returns
	// its page id. Used by company auto-creation.
	CreateCompany(ctx context.Context, name string) (pageID string, err error)
}
