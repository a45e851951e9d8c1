package migration

import (
	"math"
	"time"
)

const (
	// maxStoredErrors caps the errors kept on the log; ErrorCount keeps
	// counting past it.
	maxStoredErrors = 500

	pauseErrorRate    = 0.2
	pauseMinProcessed = 50
)

// Progress updates the counters of an import log.
type Progress struct {
	log *ImportLog
	now func() time.Time

	contactIDs     map[string]struct{}
	opportunityIDs map[string]struct{}
}

func newProgress(l *ImportLog, now func() time.Time) *Progress {
	return &Progress{
		log:            l,
		now:            now,
		contactIDs:     setOf(l.ImportedContactIDs),
		opportunityIDs: setOf(l.ImportedOpportunityIDs),
	}
}

func (p *Progress) SawContacts(n int)      { p.log.TotalContacts += n }
func (p *Progress) SawOpportunities(n int) { p.log.TotalOpportunities += n }

func (p *Progress) ContactImported(id string) {
	p.log.ImportedContacts++
	if _, ok := p.contactIDs[id]; !ok {
		p.contactIDs[id] = struct{}{}
		p.log.ImportedContactIDs = append(p.log.ImportedContactIDs, id)
	}
}

func (p *Progress) ContactSkipped() { p.log.SkippedContacts++ }

func (p *Progress) OpportunityImported(id string) {
	p.log.ImportedOpportunities++
	if _, ok := p.opportunityIDs[id]; !ok {
		p.opportunityIDs[id] = struct{}{}
		p.log.ImportedOpportunityIDs = append(p.log.ImportedOpportunityIDs, id)
	}
}

func (p *Progress) OpportunitySkipped() { p.log.SkippedOpportunities++ }

func (p *Progress) Failed(typ string, externalID int64, err error) {
	p.log.ErrorCount++
	if len(p.log.Errors) >= maxStoredErrors {
		return
	}
	p.log.Errors = append(p.log.Errors, ImportError{
		Type:       typ,
		ExternalID: externalID,
		Message:    err.Error(),
		At:         p.now().UTC(),
	})
}

// Processed counts every record that reached an outcome.
func (p *Progress) Processed() int {
	l := p.log
	return l.ImportedContacts + l.SkippedContacts + l.ImportedOpportunities + l.SkippedOpportunities + l.ErrorCount
}

// Percent is (imported+skipped)/(totals), capped at 100.
func (p *Progress) Percent() int {
	l := p.log
	total := l.TotalContacts + l.TotalOpportunities
	if total == 0 {
		return 0
	}
	done := l.ImportedContacts + l.SkippedContacts + l.ImportedOpportunities + l.SkippedOpportunities
	pct := int(math.Round(float64(done) / float64(total) * 100))
	if pct > 100 {
		pct = 100
	}
	return pct
}

// ShouldPause trips once more than 20% of over 50 processed records failed.
func (p *Progress) ShouldPause() bool {
	processed := p.Processed()
	if processed <= pauseMinProcessed {
		return false
	}
	return float64(p.log.ErrorCount)/float64(processed) > pauseErrorRate
}

func setOf(ids []string) map[string]struct{} {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}
