package bundle

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/clinstore/clinstore/internal/platform/fhir"
)

func TestParse(t *testing.T) {
	body := []byte(`{
		"resourceType": "Bundle",
		"type": "transaction",
		"submittedBy": "dr.jones@example.org",
		"sourceSystem": "lab-gateway",
		"entry": [
			{
				"fullUrl": "urn:uuid:a1",
				"resource": {"resourceType": "Patient", "gender": "female"},
				"request": {"method": "POST", "url": "Patient"}
			},
			{
				"request": {"method": "DELETE", "url": "Observation/o1"}
			}
		]
	}`)

	b, err := Parse(body)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if b.Type != TypeTransaction {
		t.Errorf("type = %q", b.Type)
	}
	if len(b.Entries) != 2 {
		t.Fatalf("entries = %d", len(b.Entries))
	}
	if b.Entries[0].FullURL != "urn:uuid:a1" {
		t.Errorf("fullUrl = %q", b.Entries[0].FullURL)
	}
	if b.Entries[0].Resource["gender"] != "female" {
		t.Errorf("resource not decoded: %v", b.Entries[0].Resource)
	}
	if b.Entries[1].Request.Method != "DELETE" {
		t.Errorf("method = %q", b.Entries[1].Request.Method)
	}
	if b.SubmittedBy != "dr.jones@example.org" {
		t.Errorf("submittedBy = %q", b.SubmittedBy)
	}
	if b.SourceSystem != "lab-gateway" {
		t.Errorf("sourceSystem = %q", b.SourceSystem)
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not a bundle", `{"resourceType":"Patient"}`},
		{"broken json", `{`},
		{"broken entry resource", `{"resourceType":"Bundle","type":"batch","entry":[{"resource":5,"request":{"method":"POST","url":"Patient"}}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.body)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := Entry{
		FullURL:  "urn:uuid:a",
		Resource: fhir.Resource{"resourceType": "Patient"},
		Request:  EntryRequest{Method: "POST", URL: "Patient"},
	}

	tests := []struct {
		name    string
		bundle  *Bundle
		wantErr string
	}{
		{"valid transaction", &Bundle{Type: TypeTransaction, Entries: []Entry{valid}}, ""},
		{"bad type", &Bundle{Type: "searchset", Entries: []Entry{valid}}, "transaction or batch"},
		{"empty", &Bundle{Type: TypeTransaction}, "no entries"},
		{
			"missing method",
			&Bundle{Type: TypeTransaction, Entries: []Entry{
				{Request: EntryRequest{URL: "Patient"}, Resource: fhir.Resource{}},
			}},
			"request.method is required",
		},
		{
			"bad method",
			&Bundle{Type: TypeTransaction, Entries: []Entry{
				{Request: EntryRequest{Method: "OPTIONS", URL: "Patient"}},
			}},
			"invalid method",
		},
		{
			"missing url",
			&Bundle{Type: TypeTransaction, Entries: []Entry{
				{Request: EntryRequest{Method: "DELETE"}},
			}},
			"request.url is required",
		},
		{
			"post without body",
			&Bundle{Type: TypeTransaction, Entries: []Entry{
				{Request: EntryRequest{Method: "POST", URL: "Patient"}},
			}},
			"requires a resource body",
		},
		{
			"duplicate fullUrl",
			&Bundle{Type: TypeTransaction, Entries: []Entry{valid, valid}},
			"already used",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.bundle)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			var verr *fhir.ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("want ValidationError, got %T", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestResolveReferences(t *testing.T) {
	doc := fhir.Resource{
		"resourceType": "Observation",
		"subject":      map[string]interface{}{"reference": "urn:uuid:pat-1"},
		"performer": []interface{}{
			map[string]interface{}{"reference": "urn:uuid:unknown"},
			map[string]interface{}{"reference": "Practitioner/p9"},
		},
	}
	idMap := map[string]string{"urn:uuid:pat-1": "Patient/abc"}

	unresolved := resolveReferences(doc, idMap)

	subject := doc["subject"].(map[string]interface{})["reference"]
	if subject != "Patient/abc" {
		t.Errorf("subject = %v, want Patient/abc", subject)
	}
	performers := doc["performer"].([]interface{})
	if performers[0].(map[string]interface{})["reference"] != "urn:uuid:unknown" {
		t.Error("unknown urn must be left as-is")
	}
	if performers[1].(map[string]interface{})["reference"] != "Practitioner/p9" {
		t.Error("external reference must be untouched")
	}
	if len(unresolved) != 1 || unresolved[0] != "urn:uuid:unknown" {
		t.Errorf("unresolved = %v", unresolved)
	}
}

func TestExtractReferences(t *testing.T) {
	doc := fhir.Resource{
		"subject": map[string]interface{}{"reference": "Patient/1"},
		"context": map[string]interface{}{
			"nested": map[string]interface{}{"reference": "Encounter/2"},
		},
	}
	refs := extractReferences(doc)
	if len(refs) != 2 {
		t.Fatalf("refs = %v", refs)
	}
}

func TestParseEntryURL(t *testing.T) {
	tests := []struct {
		url          string
		wantType     string
		wantID       string
	}{
		{"Patient", "Patient", ""},
		{"Patient/abc", "Patient", "abc"},
		{"/Patient/abc", "Patient", "abc"},
		{"Patient?gender=female", "Patient", ""},
		{"Patient/abc/_history/2", "Patient", "abc"},
	}
	for _, tt := range tests {
		rt, id := parseEntryURL(tt.url)
		if rt != tt.wantType || id != tt.wantID {
			t.Errorf("parseEntryURL(%q) = (%q, %q), want (%q, %q)", tt.url, rt, id, tt.wantType, tt.wantID)
		}
	}
}

func TestEntryError(t *testing.T) {
	inner := &fhir.NotFoundError{ResourceType: "Patient", ID: "x"}
	err := &EntryError{Index: 3, Err: inner}

	var nerr *fhir.NotFoundError
	if !errors.As(err, &nerr) {
		t.Error("EntryError must unwrap to the underlying error")
	}
	if !strings.Contains(err.Error(), "entry 3") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantLine   string
	}{
		{"validation", fhir.NewValidationError("bad"), http.StatusBadRequest, "400 Bad Request"},
		{"not found", &fhir.NotFoundError{ResourceType: "Patient", ID: "x"}, http.StatusNotFound, "404 Not Found"},
		{"conflict", &fhir.VersionConflictError{ResourceType: "Patient", ID: "x", Expected: 1, Got: 2}, http.StatusConflict, "409 Conflict"},
		{"unsupported", &fhir.UnsupportedOperationError{Op: "HEAD"}, http.StatusNotImplemented, "501 Not Implemented"},
		{"wrapped in entry error", &EntryError{Index: 1, Err: &fhir.NotFoundError{ResourceType: "Patient", ID: "x"}}, http.StatusNotFound, "404 Not Found"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "500 Internal Server Error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := httpStatus(tt.err); got != tt.wantStatus {
				t.Errorf("httpStatus = %d, want %d", got, tt.wantStatus)
			}
			if got := statusLine(tt.err); got != tt.wantLine {
				t.Errorf("statusLine = %q, want %q", got, tt.wantLine)
			}
		})
	}
}

func TestResourceEntry(t *testing.T) {
	doc := fhir.Resource{
		"resourceType": "Patient",
		"id":           "abc",
		"meta": map[string]interface{}{
			"versionId":   "2",
			"lastUpdated": "2024-03-01T12:00:00Z",
		},
	}
	re := resourceEntry("Patient", doc, "200 OK")
	if re.FullURL != "Patient/abc" {
		t.Errorf("fullUrl = %q", re.FullURL)
	}
	if re.Response.Location != "Patient/abc/_history/2" {
		t.Errorf("location = %q", re.Response.Location)
	}
	if re.Response.ETag != `W/"2"` {
		t.Errorf("etag = %q", re.Response.ETag)
	}
	if re.Response.LastModified != "2024-03-01T12:00:00Z" {
		t.Errorf("lastModified = %q", re.Response.LastModified)
	}
}
