package queuemanager

import (
	"time"

	"github.com/kumomta/kumod/internal/logrecord"
	"github.com/kumomta/kumod/internal/scheduledqueue"
)

// AdminRebind moves a tracked message to newKey without altering its
// Due/Expires: an operator-triggered move of a message between
// scheduled queues, e.g. after a tenant is reassigned to a different
// pool. It is a no-op if id is not currently tracked (already
// delivered, bounced, or expired).
func (m *Manager) AdminRebind(id string, newKey scheduledqueue.Key) bool {
	entry, ok := m.lookup(id)
	if !ok {
		return false
	}

	m.sched.Rebind(newKey, entry.CreatedAt, entry.Msg)

	m.mu.Lock()
	entry.Key = newKey
	m.mu.Unlock()

	m.log.Record(logrecord.Record{
		Type:      logrecord.AdminRebind,
		ID:        id,
		Sender:    entry.Msg.From(),
		Recipient: recipientSummary(entry.Msg),
		Queue:     newKey.String(),
		Timestamp: time.Now(),
		Created:   entry.CreatedAt,
	})
	return true
}
