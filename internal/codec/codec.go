// Package codec converts between the domain Task and its encrypted wire
// form. Identity, status, order, and audit timestamps stay in cleartext so
// replicas can sort and merge without decrypting; everything else travels in
// one AES-GCM envelope.
package codec

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/starford/laguz/internal/mnemonic"
	"github.com/starford/laguz/internal/models"
)

// LockedTitle is the title shown for records that fail decryption.
const LockedTitle = "🔒 Encrypted (wrong key)"

// Record is the wire/storage shape of a task. It is what the CRDT document
// holds and what crosses the relay.
type Record struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	Order     int               `json:"order"`
	CreatedAt string            `json:"created_at"`
	UpdatedAt string            `json:"updated_at"`
	Encrypted mnemonic.Envelope `json:"encrypted"`
}

// payload bundles the sensitive fields into the encrypted blob.
type payload struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Notes       string   `json:"notes,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	DueDate     string   `json:"due_date,omitempty"`
	CompletedAt string   `json:"completed_at,omitempty"`
	Recurrence  string   `json:"recurrence,omitempty"`
}

// Encrypt seals a task into its wire record.
func Encrypt(c *mnemonic.Cipher, t models.Task) (Record, error) {
	p := payload{
		Title:       t.Title,
		Description: t.Description,
		Notes:       t.Notes,
		Labels:      t.Labels,
		Recurrence:  string(t.Recurrence),
	}
	if t.DueDate != nil {
		p.DueDate = t.DueDate.UTC().Format(time.RFC3339)
	}
	if t.CompletedAt != nil {
		p.CompletedAt = t.CompletedAt.UTC().Format(time.RFC3339)
	}

	plain, err := json.Marshal(p)
	if err != nil {
		return Record{}, fmt.Errorf("codec: marshal payload: %w", err)
	}
	env, err := c.Seal(plain)
	if err != nil {
		return Record{}, err
	}

	return Record{
		ID:        t.ID,
		Status:    string(t.Status),
		Order:     t.Order,
		CreatedAt: formatTime(t.CreatedAt),
		UpdatedAt: formatTime(t.UpdatedAt),
		Encrypted: env,
	}, nil
}

// Decrypt opens a wire record back into a task. Malformed cleartext fields
// are defaulted rather than rejected; a failed decryption is reported so the
// caller can substitute Locked.
func Decrypt(c *mnemonic.Cipher, r Record) (models.Task, error) {
	plain, err := c.Open(r.Encrypted)
	if err != nil {
		return models.Task{}, err
	}

	var p payload
	if err := json.Unmarshal(plain, &p); err != nil {
		return models.Task{}, fmt.Errorf("codec: unmarshal payload: %w", err)
	}

	t := models.Task{
		ID:          r.ID,
		Title:       p.Title,
		Description: p.Description,
		Notes:       p.Notes,
		Status:      parseStatus(r.Status),
		Labels:      p.Labels,
		DueDate:     parseTimePtr(p.DueDate),
		CompletedAt: parseTimePtr(p.CompletedAt),
		Order:       r.Order,
		Recurrence:  parseRecurrence(p.Recurrence),
		CreatedAt:   parseTimeOr(r.CreatedAt, time.Now()),
		UpdatedAt:   parseTimeOr(r.UpdatedAt, time.Now()),
	}
	if t.Labels == nil {
		t.Labels = []string{}
	}
	// A completed record always carries a completion time.
	if t.Status == models.StatusCompleted && t.CompletedAt == nil {
		t.CompletedAt = &t.UpdatedAt
	}
	return t, nil
}

// Locked builds the degraded placeholder for a record whose payload cannot
// be decrypted. The cleartext envelope fields survive so the entry keeps its
// position and identity in the list.
func Locked(r Record) models.Task {
	now := time.Now()
	return models.Task{
		ID:        r.ID,
		Title:     LockedTitle,
		Status:    parseStatus(r.Status),
		Labels:    []string{},
		Order:     r.Order,
		CreatedAt: parseTimeOr(r.CreatedAt, now),
		UpdatedAt: parseTimeOr(r.UpdatedAt, now),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339)
}

func parseStatus(s string) models.TaskStatus {
	st := models.TaskStatus(s)
	if !st.Valid() {
		return models.StatusTodo
	}
	return st
}

func parseRecurrence(s string) models.Recurrence {
	r := models.Recurrence(s)
	if !r.Valid() {
		return models.RecurNone
	}
	return r
}

// parseTimePtr parses an RFC 3339 timestamp; invalid dates become absent
// rather than an error.
func parseTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}

func parseTimeOr(s string, fallback time.Time) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return fallback
}
