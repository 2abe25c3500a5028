package fhir

import (
	"testing"
	"time"
)

func TestStampMeta(t *testing.T) {
	doc := Resource{"name": []interface{}{map[string]interface{}{"family": "Smith"}}}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	StampMeta(doc, "Patient", "abc-123", 2, now)

	if doc["resourceType"] != "Patient" {
		t.Errorf("resourceType = %v", doc["resourceType"])
	}
	if doc["id"] != "abc-123" {
		t.Errorf("id = %v", doc["id"])
	}
	meta, ok := doc["meta"].(map[string]interface{})
	if !ok {
		t.Fatal("meta block missing")
	}
	if meta["versionId"] != "2" {
		t.Errorf("meta.versionId = %v, want \"2\"", meta["versionId"])
	}
	if meta["lastUpdated"] != "2024-03-01T12:00:00Z" {
		t.Errorf("meta.lastUpdated = %v", meta["lastUpdated"])
	}
}

func TestStampMeta_PreservesExistingMetaFields(t *testing.T) {
	doc := Resource{"meta": map[string]interface{}{"profile": []interface{}{"http://example.org/p"}}}
	StampMeta(doc, "Patient", "x", 1, time.Now())

	meta := doc["meta"].(map[string]interface{})
	if _, ok := meta["profile"]; !ok {
		t.Error("existing meta.profile was dropped")
	}
}

func TestVersionIDOf(t *testing.T) {
	tests := []struct {
		name string
		doc  Resource
		want int
	}{
		{"string version", Resource{"meta": map[string]interface{}{"versionId": "3"}}, 3},
		{"numeric version", Resource{"meta": map[string]interface{}{"versionId": float64(7)}}, 7},
		{"no meta", Resource{}, 0},
		{"empty meta", Resource{"meta": map[string]interface{}{}}, 0},
		{"garbage version", Resource{"meta": map[string]interface{}{"versionId": "abc"}}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VersionIDOf(tt.doc); got != tt.want {
				t.Errorf("VersionIDOf = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFirstIdentifier(t *testing.T) {
	doc := Resource{
		"identifier": []interface{}{
			map[string]interface{}{"system": "urn:mrn"},                      // missing value
			map[string]interface{}{"value": "999"},                           // missing system
			map[string]interface{}{"system": "urn:mrn", "value": "123"},      // first complete
			map[string]interface{}{"system": "urn:ssn", "value": "456-78-9"}, // ignored
		},
	}

	ident := FirstIdentifier(doc)
	if ident == nil {
		t.Fatal("expected identifier")
	}
	if ident.System != "urn:mrn" || ident.Value != "123" {
		t.Errorf("got %s|%s, want urn:mrn|123", ident.System, ident.Value)
	}
}

func TestFirstIdentifier_None(t *testing.T) {
	if got := FirstIdentifier(Resource{}); got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
	if got := FirstIdentifier(Resource{"identifier": []interface{}{map[string]interface{}{"system": "s"}}}); got != nil {
		t.Errorf("expected nil for incomplete identifiers, got %+v", got)
	}
}

func TestDeepCopy_Independent(t *testing.T) {
	original := Resource{"name": []interface{}{map[string]interface{}{"family": "Smith"}}}
	copied := DeepCopy(original)

	copied["name"].([]interface{})[0].(map[string]interface{})["family"] = "Jones"

	family := original["name"].([]interface{})[0].(map[string]interface{})["family"]
	if family != "Smith" {
		t.Errorf("original mutated through copy: family = %v", family)
	}
}

func TestLocation(t *testing.T) {
	if got := Location("Patient", "abc", 3); got != "Patient/abc/_history/3" {
		t.Errorf("Location = %q", got)
	}
}
