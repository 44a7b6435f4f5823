// Package roster tracks contact presence for the client.
package roster

import (
	"sort"
	"sync"

	"github.com/nelsonmandeladev/retrochat-client/internal/domain"
)

// StatusUpdate is one entry of a presence batch.
type StatusUpdate struct {
	ParticipantID string
	Status        domain.Status
}

// Roster is the presence store. Reads and writes are safe from any
// goroutine; the notification layer only ever reads.
type Roster struct {
	mu       sync.RWMutex
	contacts map[string]domain.Contact
}

// New creates an empty roster.
func New() *Roster {
	return &Roster{contacts: make(map[string]domain.Contact)}
}

// Seed replaces the roster with the snapshot's contact list. Contacts
// without a status start offline.
func (r *Roster) Seed(contacts []domain.Contact) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.contacts = make(map[string]domain.Contact, len(contacts))
	for _, c := range contacts {
		if c.ID == "" {
			continue
		}
		if c.Status == "" {
			c.Status = domain.StatusOffline
		}
		r.contacts[c.ID] = c
	}
}

// Upsert adds or updates a contact, keeping any known status when the
// incoming record has none.
func (r *Roster) Upsert(c domain.Contact) {
	if c.ID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.contacts[c.ID]; ok {
		if c.Name == "" {
			c.Name = old.Name
		}
		if c.Avatar == "" {
			c.Avatar = old.Avatar
		}
		if c.Status == "" {
			c.Status = old.Status
		}
	} else if c.Status == "" {
		c.Status = domain.StatusOffline
	}
	r.contacts[c.ID] = c
}

// SetStatus overwrites one contact's presence, creating a bare entry for
// a participant seen for the first time.
func (r *Roster) SetStatus(participantID string, status domain.Status) {
	if participantID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.contacts[participantID]
	if !ok {
		c = domain.Contact{ID: participantID}
	}
	c.Status = status
	r.contacts[participantID] = c
}

// ApplyBatch applies a batch of status updates. Only the named
// participants are touched; everyone else keeps their current status.
func (r *Roster) ApplyBatch(updates []StatusUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range updates {
		if u.ParticipantID == "" {
			continue
		}
		c, ok := r.contacts[u.ParticipantID]
		if !ok {
			c = domain.Contact{ID: u.ParticipantID}
		}
		c.Status = u.Status
		r.contacts[u.ParticipantID] = c
	}
}

// Status returns a contact's presence; unknown participants are offline.
func (r *Roster) Status(participantID string) domain.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.contacts[participantID]; ok && c.Status != "" {
		return c.Status
	}
	return domain.StatusOffline
}

// Contact returns one roster entry.
func (r *Roster) Contact(participantID string) (domain.Contact, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.contacts[participantID]
	return c, ok
}

// Name returns a contact's display name, falling back to the ID.
func (r *Roster) Name(participantID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.contacts[participantID]; ok && c.Name != "" {
		return c.Name
	}
	return participantID
}

// IDs returns every known participant ID.
func (r *Roster) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.contacts))
	for id := range r.contacts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// All returns every contact sorted by name.
func (r *Roster) All() []domain.Contact {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Contact, 0, len(r.contacts))
	for _, c := range r.contacts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}
