package migration

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"crm-platform/internal/audit"
	"crm-platform/internal/kommo"
)

// fakeFetcher serves fixed listings paginated like Kommo.
type fakeFetcher struct {
	contacts []kommo.Contact
	leads    []kommo.Lead
	err      error

	contactPages []int
	leadPages    []int
}

func (f *fakeFetcher) Contacts(ctx context.Context, page int) ([]kommo.Contact, error) {
	f.contactPages = append(f.contactPages, page)
	if f.err != nil {
		return nil, f.err
	}
	return pageOf(f.contacts, page), nil
}

func (f *fakeFetcher) Leads(ctx context.Context, page int) ([]kommo.Lead, error) {
	f.leadPages = append(f.leadPages, page)
	if f.err != nil {
		return nil, f.err
	}
	return pageOf(f.leads, page), nil
}

func pageOf[T any](all []T, page int) []T {
	start := (page - 1) * kommo.PageSize
	if start >= len(all) {
		return nil
	}
	end := start + kommo.PageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end]
}

func kContact(id int64, name, email, tel string) kommo.Contact {
	c := kommo.Contact{ID: id, Name: name}
	if email != "" {
		c.CustomFields = append(c.CustomFields, kommo.CustomField{FieldCode: kommo.FieldEmail, Values: []kommo.FieldValue{{Value: email}}})
	}
	if tel != "" {
		c.CustomFields = append(c.CustomFields, kommo.CustomField{FieldCode: kommo.FieldPhone, Values: []kommo.FieldValue{{Value: tel}}})
	}
	return c
}

func kLead(id, contactID, pipeline, status int64) kommo.Lead {
	l := kommo.Lead{ID: id, Name: fmt.Sprintf("Deal %d", id), Price: 1000, PipelineID: pipeline, StatusID: status}
	if contactID != 0 {
		l.Embedded.Contacts = []kommo.EntityRef{{ID: contactID, IsMain: true}}
	}
	return l
}

type env struct {
	repo    *MemoryRepo
	fetcher *fakeFetcher
	audit   *audit.MemoryRepo
	im      *Importer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{repo: NewMemoryRepo(), fetcher: &fakeFetcher{}, audit: audit.NewMemoryRepo()}
	e.im = NewImporter(e.repo, func(Config) (PageFetcher, error) { return e.fetcher, nil }, audit.NewService(e.audit), "55")
	e.im.clock = func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) }
	return e
}

func (e *env) newLog(t *testing.T, cfg Config) ImportLog {
	t.Helper()
	if cfg.Subdomain == "" {
		cfg.Subdomain = "acme"
		cfg.AccessToken = "tok"
	}
	l, err := e.im.Create(context.Background(), "o1", "u1", cfg)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return l
}

func (e *env) step(t *testing.T, id string) StepResult {
	t.Helper()
	res, err := e.im.Step(context.Background(), StepRequest{ImportLogID: id, OrganizationID: "o1"})
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	return res
}

func TestStep_RunsToCompletionAndStaysDone(t *testing.T) {
	e := newEnv(t)
	for i := int64(1); i <= 3; i++ {
		e.fetcher.contacts = append(e.fetcher.contacts, kContact(i, fmt.Sprintf("C%d", i), fmt.Sprintf("c%d@example.com", i), ""))
	}
	e.fetcher.leads = []kommo.Lead{kLead(100, 1, 10, 20), kLead(101, 2, 10, kommo.StatusWon)}
	l := e.newLog(t, Config{StageMapping: map[string]string{"10_20": "stage-a", "10_142": "stage-won"}})

	first := e.step(t, l.ID)
	if !first.Continue || first.Phase != PhaseLeads || first.ImportedContacts != 3 {
		t.Fatalf("unexpected first step %+v", first)
	}
	second := e.step(t, l.ID)
	if second.Continue || second.Phase != PhaseDone || second.Status != StatusCompleted || second.Progress != 100 {
		t.Fatalf("unexpected second step %+v", second)
	}
	if second.ImportedOpportunities != 2 {
		t.Fatalf("expected 2 opportunities, got %d", second.ImportedOpportunities)
	}

	again := e.step(t, l.ID)
	if again.Continue || again.Status != StatusCompleted {
		t.Fatalf("completed import must be a no-op, got %+v", again)
	}
	if len(e.fetcher.contactPages)+len(e.fetcher.leadPages) != 2 {
		t.Fatalf("no fetch expected after completion")
	}

	byContact := map[string]string{}
	for _, c := range e.repo.Contacts() {
		byContact[c.SourceExternalID] = c.ID
	}
	for _, o := range e.repo.Opportunities() {
		switch o.SourceExternalID {
		case "kommo:100":
			if o.ContactID != byContact["kommo:1"] || o.StageID != "stage-a" || o.Status != OpportunityOpen {
				t.Fatalf("unexpected opportunity %+v", o)
			}
		case "kommo:101":
			if o.Status != OpportunityWon || o.StageID != "stage-won" {
				t.Fatalf("unexpected won opportunity %+v", o)
			}
		}
	}

	var types []audit.EventType
	for _, ev := range e.audit.ForImport(l.ID) {
		types = append(types, ev.Type)
	}
	if len(types) != 2 || types[0] != audit.EventTypeImportStarted || types[1] != audit.EventTypeImportCompleted {
		t.Fatalf("unexpected audit events %v", types)
	}
}

func TestStep_ShortPageCompletesContactsPhase(t *testing.T) {
	e := newEnv(t)
	for i := int64(1); i <= 10; i++ {
		e.fetcher.contacts = append(e.fetcher.contacts, kContact(i, "N", fmt.Sprintf("n%d@example.com", i), ""))
	}
	l := e.newLog(t, Config{})

	e.step(t, l.ID)

	got, _ := e.repo.GetLog(context.Background(), l.ID)
	if !got.Cursor.ContactsComplete || got.Cursor.Phase != PhaseLeads {
		t.Fatalf("expected contacts complete, got %+v", got.Cursor)
	}
	if len(e.fetcher.contactPages) != 1 {
		t.Fatalf("expected exactly one contacts fetch, got %d", len(e.fetcher.contactPages))
	}
	if got.TotalContacts != 10 || got.Status != StatusRunning {
		t.Fatalf("unexpected log %+v", got)
	}
}

func TestStep_FullPageAdvancesPage(t *testing.T) {
	e := newEnv(t)
	for i := int64(1); i <= kommo.PageSize+1; i++ {
		e.fetcher.contacts = append(e.fetcher.contacts, kContact(i, "N", fmt.Sprintf("n%d@example.com", i), ""))
	}
	l := e.newLog(t, Config{})

	res := e.step(t, l.ID)
	if res.Phase != PhaseContacts || !res.Continue {
		t.Fatalf("expected to stay in contacts, got %+v", res)
	}
	res = e.step(t, l.ID)
	if res.Phase != PhaseLeads || res.ImportedContacts != kommo.PageSize+1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if want := []int{1, 2}; fmt.Sprint(e.fetcher.contactPages) != fmt.Sprint(want) {
		t.Fatalf("unexpected pages %v", e.fetcher.contactPages)
	}
}

func TestStep_SkipModeCountsExistingAsSkipped(t *testing.T) {
	e := newEnv(t)
	e.repo.AddContact(Contact{ID: "existing", OrganizationID: "o1", Name: "Old", Phone: "+5511987654321"})
	e.fetcher.contacts = []kommo.Contact{
		kContact(1, "A", "a@example.com", ""),
		kContact(2, "B", "b@example.com", ""),
		kContact(3, "Same Phone", "", "(11) 98765-4321"),
	}
	l := e.newLog(t, Config{DuplicateMode: DuplicateSkip})

	res := e.step(t, l.ID)

	got, _ := e.repo.GetLog(context.Background(), l.ID)
	if got.ImportedContacts != 2 || got.SkippedContacts != 1 || res.Phase != PhaseLeads {
		t.Fatalf("unexpected counters %+v", got)
	}
	if n := len(e.repo.Contacts()); n != 3 {
		t.Fatalf("expected 3 contacts, got %d", n)
	}
	if c := e.repo.Contacts()[0]; c.Name != "Old" {
		t.Fatalf("skip must not write, got %+v", c)
	}
}

func TestStep_SkippedContactLinksLeadInLaterStep(t *testing.T) {
	e := newEnv(t)
	e.repo.AddContact(Contact{ID: "kept", OrganizationID: "o1", Name: "Kept", SourceExternalID: "kommo:7"})
	e.fetcher.contacts = []kommo.Contact{kContact(7, "Kept Again", "kept@example.com", "")}
	e.fetcher.leads = []kommo.Lead{kLead(100, 7, 10, 20)}
	l := e.newLog(t, Config{DuplicateMode: DuplicateSkip, StageMapping: map[string]string{"10_20": "s1"}})

	if res := e.step(t, l.ID); res.Phase != PhaseLeads {
		t.Fatalf("expected leads phase after contacts step, got %+v", res)
	}
	e.step(t, l.ID)

	got, _ := e.repo.GetLog(context.Background(), l.ID)
	if got.SkippedContacts != 1 || len(got.ImportedContactIDs) != 0 {
		t.Fatalf("unexpected counters %+v", got)
	}
	opps := e.repo.Opportunities()
	if len(opps) != 1 || opps[0].ContactID != "kept" {
		t.Fatalf("expected lead linked to the skipped contact, got %+v", opps)
	}
}

func TestStep_SkipModeReimportSkips(t *testing.T) {
	e := newEnv(t)
	e.fetcher.contacts = []kommo.Contact{kContact(1, "A", "a@example.com", "")}

	e.step(t, e.newLog(t, Config{DuplicateMode: DuplicateSkip}).ID)
	l2 := e.newLog(t, Config{DuplicateMode: DuplicateSkip})
	e.step(t, l2.ID)

	got, _ := e.repo.GetLog(context.Background(), l2.ID)
	if got.SkippedContacts != 1 || got.ImportedContacts != 0 {
		t.Fatalf("expected skip on reimport, got %+v", got)
	}
	if n := len(e.repo.Contacts()); n != 1 {
		t.Fatalf("expected a single row, got %d", n)
	}
}

func TestStep_UpdateModeUpdatesInPlace(t *testing.T) {
	e := newEnv(t)
	e.fetcher.contacts = []kommo.Contact{kContact(1, "Ana", "ana@example.com", "")}
	e.step(t, e.newLog(t, Config{}).ID)

	e.fetcher.contacts = []kommo.Contact{kContact(1, "Ana Maria", "ana@example.com", "11 91234-5678")}
	l2 := e.newLog(t, Config{DuplicateMode: DuplicateUpdate})
	e.step(t, l2.ID)

	rows := e.repo.Contacts()
	if len(rows) != 1 {
		t.Fatalf("expected exactly one row, got %d", len(rows))
	}
	if rows[0].Name != "Ana Maria" || rows[0].Phone != "+5511912345678" {
		t.Fatalf("expected updated fields, got %+v", rows[0])
	}
	got, _ := e.repo.GetLog(context.Background(), l2.ID)
	if got.ImportedContacts != 1 || got.SkippedContacts != 0 {
		t.Fatalf("update counts as imported, got %+v", got)
	}
}

func TestStep_UnmappedStageSkipped(t *testing.T) {
	e := newEnv(t)
	e.fetcher.contacts = []kommo.Contact{kContact(1, "A", "a@example.com", "")}
	e.fetcher.leads = []kommo.Lead{kLead(100, 1, 10, 20), kLead(101, 1, 10, 99)}
	l := e.newLog(t, Config{StageMapping: map[string]string{"10_20": "s1"}})

	e.step(t, l.ID)
	e.step(t, l.ID)

	got, _ := e.repo.GetLog(context.Background(), l.ID)
	if got.ImportedOpportunities != 1 || got.SkippedOpportunities != 1 {
		t.Fatalf("unexpected counters %+v", got)
	}
	for _, o := range e.repo.Opportunities() {
		if o.SourceExternalID == "kommo:101" {
			t.Fatalf("unmapped stage produced a row")
		}
	}
}

func TestStep_OrphanLeads(t *testing.T) {
	for _, orphans := range []bool{false, true} {
		e := newEnv(t)
		e.fetcher.leads = []kommo.Lead{kLead(100, 0, 10, 20), kLead(101, 555, 10, 20)}
		l := e.newLog(t, Config{StageMapping: map[string]string{"10_20": "s1"}, ImportOrphanContacts: orphans})

		e.step(t, l.ID)
		res := e.step(t, l.ID)

		want := 0
		if orphans {
			want = 2
		}
		if res.ImportedOpportunities != want {
			t.Fatalf("orphans=%v: expected %d imported, got %+v", orphans, want, res)
		}
	}
}

func TestStep_LeadLinksContactFromEarlierImport(t *testing.T) {
	e := newEnv(t)
	e.repo.AddContact(Contact{ID: "prev", OrganizationID: "o1", Name: "Prev", SourceExternalID: "kommo:7"})
	e.fetcher.leads = []kommo.Lead{kLead(100, 7, 10, 20)}
	l := e.newLog(t, Config{StageMapping: map[string]string{"10_20": "s1"}})

	e.step(t, l.ID)
	e.step(t, l.ID)

	opps := e.repo.Opportunities()
	if len(opps) != 1 || opps[0].ContactID != "prev" {
		t.Fatalf("expected lead linked by external id tag, got %+v", opps)
	}
}

func TestStep_CircuitBreakerPauses(t *testing.T) {
	e := newEnv(t)
	for i := int64(1); i <= 51; i++ {
		e.fetcher.contacts = append(e.fetcher.contacts, kContact(i, "N", fmt.Sprintf("n%d@example.com", i), ""))
	}
	e.repo.FailInsertContact = func(c Contact) error {
		var id int
		fmt.Sscanf(c.SourceExternalID, "kommo:%d", &id)
		if id <= 11 {
			return errors.New("insert failed")
		}
		return nil
	}
	l := e.newLog(t, Config{})

	res := e.step(t, l.ID)
	if res.Status != StatusPaused || res.Continue {
		t.Fatalf("expected paused, got %+v", res)
	}
	if res.ErrorCount != 11 {
		t.Fatalf("expected 11 errors, got %d", res.ErrorCount)
	}
	got, _ := e.repo.GetLog(context.Background(), l.ID)
	if len(got.Errors) != 11 || got.Errors[0].Type != "contact" || got.Errors[0].ExternalID != 1 {
		t.Fatalf("unexpected error list %+v", got.Errors)
	}

	// Resuming runs the next phase.
	e.repo.FailInsertContact = nil
	res = e.step(t, l.ID)
	if res.Status == StatusPaused && res.Phase == PhaseContacts {
		t.Fatalf("resume did not move forward: %+v", res)
	}
}

func TestStep_FetchErrorKeepsCursor(t *testing.T) {
	e := newEnv(t)
	e.fetcher.err = kommo.ErrRateLimited
	l := e.newLog(t, Config{})

	if _, err := e.im.Step(context.Background(), StepRequest{ImportLogID: l.ID}); !errors.Is(err, kommo.ErrRateLimited) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	got, _ := e.repo.GetLog(context.Background(), l.ID)
	if got.Cursor.ContactsPage != 1 || got.Cursor.Phase != PhaseContacts || got.Status != StatusRunning {
		t.Fatalf("cursor moved on fetch error: %+v", got)
	}
}

func TestStep_PendingAppliesRequestConfig(t *testing.T) {
	e := newEnv(t)
	l, err := e.im.Create(context.Background(), "o1", "u1", Config{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := e.im.Step(context.Background(), StepRequest{ImportLogID: l.ID}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected missing config error, got %v", err)
	}

	orphans := true
	res, err := e.im.Step(context.Background(), StepRequest{
		ImportLogID:          l.ID,
		Subdomain:            "acme",
		AccessToken:          "tok",
		DuplicateMode:        DuplicateUpdate,
		ImportOrphanContacts: &orphans,
	})
	if err != nil || !res.Success {
		t.Fatalf("step: %+v %v", res, err)
	}
	got, _ := e.repo.GetLog(context.Background(), l.ID)
	if got.Config.Subdomain != "acme" || got.Config.DuplicateMode != DuplicateUpdate || !got.Config.ImportOrphanContacts || got.StartedAt == nil {
		t.Fatalf("config not applied: %+v", got)
	}
}

func TestStep_OtherOrganizationNotFound(t *testing.T) {
	e := newEnv(t)
	l := e.newLog(t, Config{})
	_, err := e.im.Step(context.Background(), StepRequest{ImportLogID: l.ID, OrganizationID: "o2"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
