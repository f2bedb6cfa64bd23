package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// Collection names a document collection in the embedded store.
type Collection string

const (
	Records      Collection = "records" // entries and exits
	Users        Collection = "users"
	KnownPersons Collection = "known_persons"
	Backups      Collection = "backups"
	AuditLog     Collection = "audit_log"
	Config       Collection = "config"
	Feedback     Collection = "feedback"
)

// All lists every collection, in the order backups restore them.
var All = []Collection{Users, Config, Records, KnownPersons, AuditLog, Feedback, Backups}

// Document is a stored JSON body under its key.
type Document struct {
	Key  string
	Body []byte
}

// DocumentStore is the embedded document store the core runs on. Put is an
// upsert; missing keys surface as errs.ErrNotFound. GetAll returns documents
// in insertion order.
type DocumentStore interface {
	Put(ctx context.Context, c Collection, key string, body []byte) error
	Get(ctx context.Context, c Collection, key string) ([]byte, error)
	GetAll(ctx context.Context, c Collection) ([]Document, error)
	// FindByField returns documents whose top-level string field equals value.
	FindByField(ctx context.Context, c Collection, field, value string) ([]Document, error)
	// Update merges patch into the document's top-level JSON object.
	Update(ctx context.Context, c Collection, key string, patch map[string]any) error
	Delete(ctx context.Context, c Collection, key string) error
	Clear(ctx context.Context, c Collection) error
	Count(ctx context.Context, c Collection) (int, error)
}

// PutJSON marshals v and stores it under key.
func PutJSON(ctx context.Context, s DocumentStore, c Collection, key string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", c, key, err)
	}
	return s.Put(ctx, c, key, body)
}

// GetJSON loads the document under key into out.
func GetJSON(ctx context.Context, s DocumentStore, c Collection, key string, out any) error {
	body, err := s.Get(ctx, c, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("unmarshal %s/%s: %w", c, key, err)
	}
	return nil
}

// MergePatch applies a top-level patch to a JSON object body.
func MergePatch(body []byte, patch map[string]any) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("patch target is not an object: %w", err)
	}
	for k, v := range patch {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("patch field %s: %w", k, err)
		}
		obj[k] = raw
	}
	return json.Marshal(obj)
}

// ValidField reports whether field is safe to use as a JSON path segment.
func ValidField(field string) bool {
	if field == "" {
		return false
	}
	for i, r := range field {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r == '_', i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
