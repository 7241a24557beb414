// Package estate is the org-scoped store of commercial real estate records:
// portfolios, properties, spaces, tenants, leases and the audit log.
package estate

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist in the caller's org.
// Records belonging to another org are indistinguishable from missing ones.
var ErrNotFound = errors.New("record not found")

// ErrUnknownFilter is returned when a filter names a field the entity
// cannot be filtered on.
var ErrUnknownFilter = errors.New("unknown filter field")

// Picklist values for the built-in status and type fields.
var (
	PropertyTypes    = []string{"office", "retail", "industrial", "mixed_use", "multifamily"}
	PropertyStatuses = []string{"active", "under_renovation", "for_sale", "disposed"}
	SpaceStatuses    = []string{"vacant", "occupied", "pending", "unavailable"}
	TenantStatuses   = []string{"prospect", "active", "former"}
	LeaseStatuses    = []string{"draft", "active", "expired", "terminated"}
)

// Portfolio groups properties.
type Portfolio struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"-"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Region      string    `json:"region,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Property is a building or site.
type Property struct {
	ID          string            `json:"id"`
	OrgID       string            `json:"-"`
	PortfolioID string            `json:"portfolio_id"`
	Name        string            `json:"name"`
	Type        string            `json:"type"`
	Status      string            `json:"status"`
	Address     string            `json:"address"`
	City        string            `json:"city"`
	State       string            `json:"state"`
	SquareFeet  int               `json:"square_feet"`
	Custom      map[string]string `json:"custom,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Space is a leasable unit within a property.
type Space struct {
	ID         string            `json:"id"`
	OrgID      string            `json:"-"`
	PropertyID string            `json:"property_id"`
	Name       string            `json:"name"`
	Floor      int               `json:"floor"`
	Status     string            `json:"status"`
	SquareFeet int               `json:"square_feet"`
	AskingRent float64           `json:"asking_rent"`
	Custom     map[string]string `json:"custom,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Tenant is a company leasing space.
type Tenant struct {
	ID           string            `json:"id"`
	OrgID        string            `json:"-"`
	Name         string            `json:"name"`
	Industry     string            `json:"industry,omitempty"`
	Status       string            `json:"status"`
	ContactEmail string            `json:"contact_email,omitempty"`
	Custom       map[string]string `json:"custom,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Lease binds a tenant to a space for a term.
type Lease struct {
	ID          string            `json:"id"`
	OrgID       string            `json:"-"`
	TenantID    string            `json:"tenant_id"`
	SpaceID     string            `json:"space_id"`
	PropertyID  string            `json:"property_id"`
	Status      string            `json:"status"`
	StartDate   string            `json:"start_date"`
	EndDate     string            `json:"end_date"`
	MonthlyRent float64           `json:"monthly_rent"`
	Custom      map[string]string `json:"custom,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// AuditEntry records one change made by a user.
type AuditEntry struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"-"`
	UserID     string    `json:"user_id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Action     string    `json:"action"`
	Summary    string    `json:"summary,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// CustomField is an org-defined attribute on one entity type.
type CustomField struct {
	OrgID       string   `json:"-"`
	Entity      string   `json:"entity"`
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Picklist    []string `json:"picklist,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Filter narrows a list query.
type Filter struct {
	// Equals maps filterable field names to required values.
	Equals map[string]string
	// Search matches a substring of the entity's name-like columns.
	Search string
	// Since and Until bound the entity's time column, where it has one.
	Since  time.Time
	Until  time.Time
	Limit  int
	Offset int
}

// Page is one page of list results. Total counts every match, not just
// the returned items.
type Page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}
