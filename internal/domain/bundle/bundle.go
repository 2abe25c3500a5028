package bundle

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/clinstore/clinstore/internal/platform/fhir"
)

// Bundle types accepted for processing and produced in responses.
const (
	TypeTransaction         = "transaction"
	TypeBatch               = "batch"
	TypeTransactionResponse = "transaction-response"
	TypeBatchResponse       = "batch-response"
)

// EntryRequest is the request half of a bundle entry.
type EntryRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// EntryResponse is the response half of a processed entry. Status is
// the full HTTP status line text ("201 Created").
type EntryResponse struct {
	Status       string      `json:"status"`
	Location     string      `json:"location,omitempty"`
	ETag         string      `json:"etag,omitempty"`
	LastModified string      `json:"lastModified,omitempty"`
	Outcome      interface{} `json:"outcome,omitempty"`
}

// Entry is one request inside a transaction or batch bundle.
type Entry struct {
	FullURL  string        `json:"fullUrl,omitempty"`
	Resource fhir.Resource `json:"resource,omitempty"`
	Request  EntryRequest  `json:"request"`
}

// Bundle is a parsed transaction or batch bundle. SubmittedBy and
// SourceSystem are optional audit attributions carried in the
// submission body.
type Bundle struct {
	Type         string  `json:"type"`
	Entries      []Entry `json:"entry,omitempty"`
	SubmittedBy  string  `json:"submittedBy,omitempty"`
	SourceSystem string  `json:"sourceSystem,omitempty"`
}

// ResponseEntry pairs a processed entry with its response, positionally
// aligned with the request bundle.
type ResponseEntry struct {
	FullURL  string         `json:"fullUrl,omitempty"`
	Resource fhir.Resource  `json:"resource,omitempty"`
	Response *EntryResponse `json:"response,omitempty"`
}

// Response is a transaction-response or batch-response bundle.
type Response struct {
	ResourceType string          `json:"resourceType"`
	Type         string          `json:"type"`
	Timestamp    time.Time       `json:"timestamp"`
	Entry        []ResponseEntry `json:"entry"`
}

// Parse decodes a raw body into a Bundle. Structural problems beyond
// JSON shape are left to Validate.
func Parse(body []byte) (*Bundle, error) {
	var raw struct {
		ResourceType string `json:"resourceType"`
		Type         string `json:"type"`
		SubmittedBy  string `json:"submittedBy"`
		SourceSystem string `json:"sourceSystem"`
		Entry        []struct {
			FullURL  string          `json:"fullUrl,omitempty"`
			Resource json.RawMessage `json:"resource,omitempty"`
			Request  *EntryRequest   `json:"request,omitempty"`
		} `json:"entry,omitempty"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fhir.NewValidationError("invalid bundle JSON: %v", err)
	}
	if raw.ResourceType != "Bundle" {
		return nil, fhir.NewValidationError("expected resourceType Bundle, got %q", raw.ResourceType)
	}

	b := &Bundle{
		Type:         raw.Type,
		Entries:      make([]Entry, 0, len(raw.Entry)),
		SubmittedBy:  raw.SubmittedBy,
		SourceSystem: raw.SourceSystem,
	}
	for i, e := range raw.Entry {
		entry := Entry{FullURL: e.FullURL}
		if len(e.Resource) > 0 {
			var doc fhir.Resource
			if err := json.Unmarshal(e.Resource, &doc); err != nil {
				return nil, fhir.NewValidationError("invalid resource in entry %d: %v", i, err)
			}
			entry.Resource = doc
		}
		if e.Request != nil {
			entry.Request = *e.Request
		}
		b.Entries = append(b.Entries, entry)
	}
	return b, nil
}

// parseEntryURL splits a relative entry URL into resource type and
// optional id: "Patient/abc" -> ("Patient", "abc").
func parseEntryURL(url string) (resourceType, id string) {
	url = strings.TrimPrefix(url, "/")
	if q := strings.Index(url, "?"); q >= 0 {
		url = url[:q]
	}
	parts := strings.SplitN(url, "/", 3)
	resourceType = parts[0]
	if len(parts) > 1 {
		id = parts[1]
	}
	return resourceType, id
}

// isURN reports whether a reference is a bundle-local urn:uuid.
func isURN(ref string) bool {
	return strings.HasPrefix(ref, "urn:uuid:")
}
