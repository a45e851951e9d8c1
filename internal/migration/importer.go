package migration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"crm-platform/internal/audit"
	"crm-platform/internal/kommo"
	"crm-platform/pkg/logger"
)

// PageFetcher reads one page of the external CRM. *kommo.Client satisfies it.
type PageFetcher interface {
	Contacts(ctx context.Context, page int) ([]kommo.Contact, error)
	Leads(ctx context.Context, page int) ([]kommo.Lead, error)
}

// FetcherFactory builds the fetcher for an import's configuration.
type FetcherFactory func(cfg Config) (PageFetcher, error)

// Auditor records import lifecycle events. *audit.Service satisfies it.
type Auditor interface {
	LogImport(ctx context.Context, organizationID, actorUserID, importLogID string, typ audit.EventType, message, metadata string) error
}

// StepRequest drives one invocation. Config fields are only read while the
// log is still pending.
type StepRequest struct {
	ImportLogID string `json:"import_log_id"`
	// OrganizationID scopes the lookup; a log of another organization is
	// reported as not found.
	OrganizationID       string            `json:"organization_id,omitempty"`
	Subdomain            string            `json:"subdomain,omitempty"`
	AccessToken          string            `json:"access_token,omitempty"`
	StageMapping         map[string]string `json:"stage_mapping,omitempty"`
	DuplicateMode        DuplicateMode     `json:"duplicate_mode,omitempty"`
	ImportOrphanContacts *bool             `json:"import_orphan_contacts,omitempty"`

	ActorUserID string `json:"-"`
}

type StepResult struct {
	Success               bool   `json:"success"`
	Continue              bool   `json:"continue"`
	Phase                 Phase  `json:"phase"`
	Progress              int    `json:"progress"`
	ImportedContacts      int    `json:"imported_contacts"`
	ImportedOpportunities int    `json:"imported_opportunities"`
	Status                Status `json:"status"`
	ErrorCount            int    `json:"error_count"`
}

// Importer runs the step function over import logs. Callers must not run
// two steps of the same log at once.
type Importer struct {
	store    Store
	fetchers FetcherFactory
	audit    Auditor
	mapper   Mapper
	dedup    Dedup
	clock    func() time.Time
}

func NewImporter(store Store, fetchers FetcherFactory, auditor Auditor, countryCode string) *Importer {
	return &Importer{
		store:    store,
		fetchers: fetchers,
		audit:    auditor,
		mapper:   Mapper{CountryCode: countryCode},
		dedup:    Dedup{store: store},
		clock:    time.Now,
	}
}

// Create stores a new pending import log.
func (im *Importer) Create(ctx context.Context, organizationID, createdBy string, cfg Config) (ImportLog, error) {
	if organizationID == "" {
		return ImportLog{}, ErrInvalidArgument
	}
	if cfg.DuplicateMode != "" && !cfg.DuplicateMode.Valid() {
		return ImportLog{}, fmt.Errorf("%w: duplicate_mode %q", ErrInvalidArgument, cfg.DuplicateMode)
	}
	now := im.clock().UTC()
	l := ImportLog{
		ID:             uuid.NewString(),
		OrganizationID: organizationID,
		CreatedBy:      createdBy,
		Config:         cfg,
		Cursor:         NewCursor(),
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := im.store.CreateLog(ctx, l); err != nil {
		return ImportLog{}, fmt.Errorf("migration: create log: %w", err)
	}
	return l, nil
}

// Get returns a log of organizationID.
func (im *Importer) Get(ctx context.Context, organizationID, id string) (ImportLog, error) {
	l, err := im.store.GetLog(ctx, id)
	if err != nil {
		return ImportLog{}, err
	}
	if organizationID != "" && l.OrganizationID != organizationID {
		return ImportLog{}, ErrNotFound
	}
	return l, nil
}

// Step processes exactly one page of the log's current phase and persists
// the new checkpoint. A fetch error aborts the step without moving the
// cursor, so the next step retries the same page.
func (im *Importer) Step(ctx context.Context, req StepRequest) (StepResult, error) {
	if req.ImportLogID == "" {
		return StepResult{}, ErrInvalidArgument
	}
	l, err := im.Get(ctx, req.OrganizationID, req.ImportLogID)
	if err != nil {
		return StepResult{}, err
	}
	log := logger.From(ctx).With("import_log_id", l.ID, "organization_id", l.OrganizationID)

	switch l.Status {
	case StatusCompleted:
		return result(l), nil
	case StatusPending:
		if err := im.start(ctx, &l, req); err != nil {
			return StepResult{}, err
		}
		log.Info("import started", "subdomain", l.Config.Subdomain, "duplicate_mode", l.Config.DuplicateMode)
	case StatusPaused:
		l.Status = StatusRunning
		log.Info("import resumed", "error_count", l.ErrorCount)
	}
	l.Cursor.Normalize()

	fetcher, err := im.fetchers(l.Config)
	if err != nil {
		return StepResult{}, fmt.Errorf("migration: fetcher: %w", err)
	}

	idMap, err := im.contactMap(ctx, l)
	if err != nil {
		return StepResult{}, err
	}

	p := newProgress(&l, im.clock)
	switch l.Cursor.Phase {
	case PhaseContacts:
		page, err := fetcher.Contacts(ctx, l.Cursor.ContactsPage)
		if err != nil {
			return StepResult{}, fmt.Errorf("migration: contacts page %d: %w", l.Cursor.ContactsPage, err)
		}
		p.SawContacts(len(page))
		for _, kc := range page {
			im.importContact(ctx, &l, p, kc)
		}
		log.Info("contacts page imported", "page", l.Cursor.ContactsPage, "records", len(page))
		l.Cursor.Advance(len(page))
	case PhaseLeads:
		page, err := fetcher.Leads(ctx, l.Cursor.LeadsPage)
		if err != nil {
			return StepResult{}, fmt.Errorf("migration: leads page %d: %w", l.Cursor.LeadsPage, err)
		}
		p.SawOpportunities(len(page))
		for _, kl := range page {
			im.importLead(ctx, &l, p, idMap, kl)
		}
		log.Info("leads page imported", "page", l.Cursor.LeadsPage, "records", len(page))
		l.Cursor.Advance(len(page))
	}

	l.ProgressPercent = p.Percent()
	now := im.clock().UTC()
	switch {
	case l.Cursor.Phase == PhaseDone:
		l.Status = StatusCompleted
		l.ProgressPercent = 100
		l.CompletedAt = &now
		im.auditEvent(ctx, l, req.ActorUserID, audit.EventTypeImportCompleted, "import completed")
		log.Info("import completed", "imported_contacts", l.ImportedContacts, "imported_opportunities", l.ImportedOpportunities)
	case p.ShouldPause():
		l.Status = StatusPaused
		im.auditEvent(ctx, l, req.ActorUserID, audit.EventTypeImportPaused, "error rate above threshold")
		log.Warn("import paused", "error_count", l.ErrorCount, "processed", p.Processed())
	}

	l.UpdatedAt = now
	if err := im.store.SaveLog(ctx, l); err != nil {
		return StepResult{}, fmt.Errorf("migration: save log: %w", err)
	}
	return result(l), nil
}

func (im *Importer) start(ctx context.Context, l *ImportLog, req StepRequest) error {
	cfg := l.Config
	if req.Subdomain != "" {
		cfg.Subdomain = strings.TrimSpace(req.Subdomain)
	}
	if req.AccessToken != "" {
		cfg.AccessToken = req.AccessToken
	}
	if req.StageMapping != nil {
		cfg.StageMapping = req.StageMapping
	}
	if req.DuplicateMode != "" {
		cfg.DuplicateMode = req.DuplicateMode
	}
	if req.ImportOrphanContacts != nil {
		cfg.ImportOrphanContacts = *req.ImportOrphanContacts
	}
	if cfg.DuplicateMode == "" {
		cfg.DuplicateMode = DuplicateSkip
	}
	if cfg.Subdomain == "" || cfg.AccessToken == "" || !cfg.DuplicateMode.Valid() {
		return fmt.Errorf("%w: subdomain, access_token and a valid duplicate_mode are required", ErrInvalidArgument)
	}

	now := im.clock().UTC()
	l.Config = cfg
	l.Cursor = NewCursor()
	l.Status = StatusRunning
	l.StartedAt = &now
	l.UpdatedAt = now
	if err := im.store.SaveLog(ctx, *l); err != nil {
		return fmt.Errorf("migration: save log: %w", err)
	}
	im.auditEvent(ctx, *l, req.ActorUserID, audit.EventTypeImportStarted, "import started")
	return nil
}

// contactMap rebuilds the Kommo id to local id map from the contacts this
// import created or updated.
func (im *Importer) contactMap(ctx context.Context, l ImportLog) (map[string]string, error) {
	out := make(map[string]string, len(l.ImportedContactIDs))
	if len(l.ImportedContactIDs) == 0 || l.Cursor.Phase != PhaseLeads {
		return out, nil
	}
	contacts, err := im.store.ContactsByIDs(ctx, l.OrganizationID, l.ImportedContactIDs)
	if err != nil {
		return nil, fmt.Errorf("migration: load imported contacts: %w", err)
	}
	for _, c := range contacts {
		if c.SourceExternalID != "" {
			out[c.SourceExternalID] = c.ID
		}
	}
	return out, nil
}

// importContact runs in the contacts phase only. Leads link their contacts
// in a later step through contactMap and the external id lookup.
func (im *Importer) importContact(ctx context.Context, l *ImportLog, p *Progress, kc kommo.Contact) {
	c, err := im.mapper.Contact(l.OrganizationID, kc)
	if err != nil {
		p.Failed("contact", kc.ID, err)
		return
	}

	if l.Config.DuplicateMode != DuplicateCreate {
		existing, found, err := im.dedup.Contact(ctx, c)
		if err != nil {
			p.Failed("contact", kc.ID, err)
			return
		}
		if found {
			if l.Config.DuplicateMode == DuplicateSkip {
				p.ContactSkipped()
				return
			}
			merged := mergeContact(existing, c)
			merged.UpdatedAt = im.clock().UTC()
			if err := im.store.UpdateContact(ctx, merged); err != nil {
				p.Failed("contact", kc.ID, err)
				return
			}
			p.ContactImported(merged.ID)
			return
		}
	}

	now := im.clock().UTC()
	c.ID = uuid.NewString()
	c.CreatedAt = now
	c.UpdatedAt = now
	if err := im.store.InsertContact(ctx, c); err != nil {
		p.Failed("contact", kc.ID, err)
		return
	}
	p.ContactImported(c.ID)
}

func (im *Importer) importLead(ctx context.Context, l *ImportLog, p *Progress, idMap map[string]string, kl kommo.Lead) {
	contactID, err := im.resolveContact(ctx, l.OrganizationID, idMap, kl)
	if err != nil {
		p.Failed("lead", kl.ID, err)
		return
	}
	if contactID == "" && !l.Config.ImportOrphanContacts {
		p.OpportunitySkipped()
		return
	}

	o, ok := im.mapper.Opportunity(l.OrganizationID, kl, l.Config.StageMapping)
	if !ok {
		p.OpportunitySkipped()
		return
	}
	o.ContactID = contactID

	if l.Config.DuplicateMode != DuplicateCreate {
		existing, found, err := im.dedup.Opportunity(ctx, o)
		if err != nil {
			p.Failed("lead", kl.ID, err)
			return
		}
		if found {
			if l.Config.DuplicateMode == DuplicateSkip {
				p.OpportunitySkipped()
				return
			}
			o.ID = existing.ID
			o.CreatedAt = existing.CreatedAt
			o.UpdatedAt = im.clock().UTC()
			if err := im.store.UpdateOpportunity(ctx, o); err != nil {
				p.Failed("lead", kl.ID, err)
				return
			}
			p.OpportunityImported(o.ID)
			return
		}
	}

	now := im.clock().UTC()
	o.ID = uuid.NewString()
	o.CreatedAt = now
	o.UpdatedAt = now
	if err := im.store.InsertOpportunity(ctx, o); err != nil {
		p.Failed("lead", kl.ID, err)
		return
	}
	p.OpportunityImported(o.ID)
}

func (im *Importer) resolveContact(ctx context.Context, organizationID string, idMap map[string]string, kl kommo.Lead) (string, error) {
	kid, ok := kl.MainContactID()
	if !ok {
		return "", nil
	}
	tag := ExternalTag(kid)
	if id, ok := idMap[tag]; ok {
		return id, nil
	}
	c, found, err := im.store.FindContactByExternalID(ctx, organizationID, tag)
	if err != nil || !found {
		return "", err
	}
	idMap[tag] = c.ID
	return c.ID, nil
}

// mergeContact overwrites the mutable fields of existing with the non-empty
// values of incoming.
func mergeContact(existing, incoming Contact) Contact {
	if incoming.Name != "" {
		existing.Name = incoming.Name
	}
	if incoming.Email != "" {
		existing.Email = incoming.Email
	}
	if incoming.Phone != "" {
		existing.Phone = incoming.Phone
	}
	if existing.SourceExternalID == "" {
		existing.SourceExternalID = incoming.SourceExternalID
	}
	return existing
}

func (im *Importer) auditEvent(ctx context.Context, l ImportLog, actor string, typ audit.EventType, msg string) {
	if im.audit == nil {
		return
	}
	meta := fmt.Sprintf(`{"phase":%q,"imported_contacts":%d,"imported_opportunities":%d,"error_count":%d}`,
		l.Cursor.Phase, l.ImportedContacts, l.ImportedOpportunities, l.ErrorCount)
	if err := im.audit.LogImport(ctx, l.OrganizationID, actor, l.ID, typ, msg, meta); err != nil {
		logger.From(ctx).Warn("import audit failed", "import_log_id", l.ID, "type", typ, "err", err)
	}
}

func result(l ImportLog) StepResult {
	return StepResult{
		Success:               true,
		Continue:              l.Cursor.Phase != PhaseDone && l.Status != StatusPaused && l.Status != StatusCompleted,
		Phase:                 l.Cursor.Phase,
		Progress:              l.ProgressPercent,
		ImportedContacts:      l.ImportedContacts,
		ImportedOpportunities: l.ImportedOpportunities,
		Status:                l.Status,
		ErrorCount:            l.ErrorCount,
	}
}
