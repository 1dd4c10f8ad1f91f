package signals

import (
	"slices"
	"strings"

	"github.com/mahaj/chatsync/pkg/model"
)

const StatusOffline = model.StatusOffline

// Presence is the best-effort set of users seen online since the connection
// started. It is never reconciled against a server snapshot, so the owner must
// Reset it on every reconnect.
type Presence struct {
	status map[string]string
}

func NewPresence() *Presence {
	return &Presence{status: make(map[string]string)}
}

// Apply records a status change. "offline" (or empty) removes the user;
// anything else, such as online, away or busy, counts as online. It reports
// whether the set changed.
func (p *Presence) Apply(userID, status string) bool {
	if userID == "" {
		return false
	}
	status = strings.ToLower(strings.TrimSpace(status))
	if status == "" || status == StatusOffline {
		if _, ok := p.status[userID]; !ok {
			return false
		}
		delete(p.status, userID)
		return true
	}
	if p.status[userID] == status {
		return false
	}
	p.status[userID] = status
	return true
}

func (p *Presence) IsOnline(userID string) bool {
	_, ok := p.status[userID]
	return ok
}

// Status returns the last reported status, or offline.
func (p *Presence) Status(userID string) string {
	if s, ok := p.status[userID]; ok {
		return s
	}
	return StatusOffline
}

// Online returns the online user ids, sorted.
func (p *Presence) Online() []string {
	out := make([]string, 0, len(p.status))
	for id := range p.status {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (p *Presence) Reset() { clear(p.status) }
