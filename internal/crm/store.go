// Package crm is the boundary to the external record store.
package crm

import "context"

// Entity names used by the bridge.
const (
	EntityCall    = "Call"
	EntityContact = "Contact"
	EntityAccount = "Account"
)

// Link names from a Call to its related records.
const (
	LinkContacts = "contacts"
	LinkAccounts = "accounts"
)

// Attributes is a record's attribute set keyed by store field name.
type Attributes map[string]any

func (a Attributes) String(key string) string {
	if v, ok := a[key].(string); ok {
		return v
	}
	return ""
}

// Store is the create/update/get/link/search capability of a record store.
//
// Implementations classify failures with the STORE_* error codes:
// STORE_VALIDATION (naming the rejected fields when known), STORE_TRANSIENT
// and STORE_UNAUTHORIZED.
type Store interface {
	CreateRecord(ctx context.Context, entity string, attrs Attributes) (string, error)
	UpdateRecord(ctx context.Context, entity, id string, attrs Attributes) error
	GetRecord(ctx context.Context, entity, id string) (Attributes, error)
	LinkRecord(ctx context.Context, entity, id, link, relatedID string) error
	SearchByField(ctx context.Context, entity, field, value string) ([]Attributes, error)
}
