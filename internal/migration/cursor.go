package migration

import "crm-platform/internal/kommo"

// NewCursor starts an import on the first contacts page.
func NewCursor() Cursor {
	return Cursor{Phase: PhaseContacts, ContactsPage: 1, LeadsPage: 1}
}

// Advance moves the cursor past a processed page of n records. A short page
// completes the current phase; phases only move forward.
func (c *Cursor) Advance(n int) {
	switch c.Phase {
	case PhaseContacts:
		if n < kommo.PageSize {
			c.ContactsComplete = true
			c.Phase = PhaseLeads
			return
		}
		c.ContactsPage++
	case PhaseLeads:
		if n < kommo.PageSize {
			c.LeadsComplete = true
			c.Phase = PhaseDone
			return
		}
		c.LeadsPage++
	}
}

// Normalize repairs a cursor whose complete flags and phase disagree, so a
// completed phase is never revisited.
func (c *Cursor) Normalize() {
	if c.ContactsPage < 1 {
		c.ContactsPage = 1
	}
	if c.LeadsPage < 1 {
		c.LeadsPage = 1
	}
	switch {
	case c.LeadsComplete:
		c.ContactsComplete = true
		c.Phase = PhaseDone
	case c.ContactsComplete && c.Phase == PhaseContacts:
		c.Phase = PhaseLeads
	case c.Phase == "":
		c.Phase = PhaseContacts
	}
}
