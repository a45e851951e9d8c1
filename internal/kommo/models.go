// Package kommo is a small client for the Kommo CRM REST API (v4), limited
// to the paginated contact and lead listings the importer reads.
package kommo

// Field codes of the built-in multitext contact fields.
const (
	FieldPhone = "PHONE"
	FieldEmail = "EMAIL"
)

// Kommo's system statuses for closed leads, shared by every pipeline.
const (
	StatusWon  = 142
	StatusLost = 143
)

type FieldValue struct {
	Value    any    `json:"value"`
	EnumCode string `json:"enum_code,omitempty"`
}

type CustomField struct {
	FieldID   int64        `json:"field_id"`
	FieldName string       `json:"field_name"`
	FieldCode string       `json:"field_code"`
	FieldType string       `json:"field_type"`
	Values    []FieldValue `json:"values"`
}

type EntityRef struct {
	ID     int64 `json:"id"`
	IsMain bool  `json:"is_main,omitempty"`
}

type Contact struct {
	ID                int64         `json:"id"`
	Name              string        `json:"name"`
	FirstName         string        `json:"first_name"`
	LastName          string        `json:"last_name"`
	ResponsibleUserID int64         `json:"responsible_user_id"`
	CreatedAt         int64         `json:"created_at"`
	UpdatedAt         int64         `json:"updated_at"`
	CustomFields      []CustomField `json:"custom_fields_values"`
	Embedded          struct {
		Leads []EntityRef `json:"leads"`
	} `json:"_embedded"`
}

type Lead struct {
	ID                int64         `json:"id"`
	Name              string        `json:"name"`
	Price             float64       `json:"price"`
	ResponsibleUserID int64         `json:"responsible_user_id"`
	StatusID          int64         `json:"status_id"`
	PipelineID        int64         `json:"pipeline_id"`
	ClosedAt          *int64        `json:"closed_at"`
	CreatedAt         int64         `json:"created_at"`
	UpdatedAt         int64         `json:"updated_at"`
	CustomFields      []CustomField `json:"custom_fields_values"`
	Embedded          struct {
		Contacts []EntityRef `json:"contacts"`
	} `json:"_embedded"`
}

// FirstValue returns the first non-empty string value of the field with
// the given code.
func FirstValue(fields []CustomField, code string) string {
	for _, f := range fields {
		if f.FieldCode != code {
			continue
		}
		for _, v := range f.Values {
			if s, ok := v.Value.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// MainContactID returns the lead's main contact, or the first linked one.
func (l Lead) MainContactID() (int64, bool) {
	for _, c := range l.Embedded.Contacts {
		if c.IsMain {
			return c.ID, true
		}
	}
	if len(l.Embedded.Contacts) > 0 {
		return l.Embedded.Contacts[0].ID, true
	}
	return 0, false
}

type contactsPage struct {
	Page     int `json:"_page"`
	Embedded struct {
		Contacts []Contact `json:"contacts"`
	} `json:"_embedded"`
}

type leadsPage struct {
	Page     int `json:"_page"`
	Embedded struct {
		Leads []Lead `json:"leads"`
	} `json:"_embedded"`
}
