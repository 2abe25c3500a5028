package fhir

import (
	"testing"
)

func mkPatient(identifiers ...map[string]interface{}) Resource {
	ids := make([]interface{}, 0, len(identifiers))
	for _, id := range identifiers {
		ids = append(ids, id)
	}
	return Resource{"resourceType": "Patient", "identifier": ids}
}

func TestNaturalKey(t *testing.T) {
	tests := []struct {
		name string
		doc  Resource
		want string
	}{
		{
			"patient with identifier",
			mkPatient(map[string]interface{}{"system": "urn:mrn", "value": "123"}),
			"Patient|urn:mrn|123",
		},
		{
			"patient without identifier",
			Resource{"resourceType": "Patient"},
			"",
		},
		{
			"non-keyed type",
			Resource{
				"resourceType": "Observation",
				"identifier":   []interface{}{map[string]interface{}{"system": "s", "value": "v"}},
			},
			"",
		},
		{
			"skips incomplete identifiers",
			mkPatient(
				map[string]interface{}{"system": "urn:mrn"},
				map[string]interface{}{"system": "urn:ssn", "value": "456"},
			),
			"Patient|urn:ssn|456",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NaturalKey(tt.doc); got != tt.want {
				t.Errorf("NaturalKey = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMergeResources_UnionIdentifiers(t *testing.T) {
	stored := mkPatient(map[string]interface{}{"system": "urn:mrn", "value": "123"})
	stored["id"] = "existing-id"
	incoming := mkPatient(
		map[string]interface{}{"system": "urn:mrn", "value": "123"},
		map[string]interface{}{"system": "urn:ssn", "value": "456"},
	)

	merged := MergeResources(stored, incoming)

	ids := merged["identifier"].([]interface{})
	if len(ids) != 2 {
		t.Fatalf("identifier count = %d, want 2 (union, not append)", len(ids))
	}
	if merged["id"] != "existing-id" {
		t.Errorf("id = %v, merge must not overwrite id", merged["id"])
	}
}

func TestMergeResources_ScalarReplaceAndIgnoredFields(t *testing.T) {
	stored := Resource{
		"resourceType": "Patient",
		"id":           "p1",
		"gender":       "unknown",
		"meta":         map[string]interface{}{"versionId": "3"},
	}
	incoming := Resource{
		"resourceType": "Patient",
		"id":           "other-id",
		"gender":       "female",
		"birthDate":    "1980-01-01",
		"meta":         map[string]interface{}{"versionId": "1"},
	}

	merged := MergeResources(stored, incoming)

	if merged["gender"] != "female" {
		t.Errorf("gender = %v, want incoming scalar to win", merged["gender"])
	}
	if merged["birthDate"] != "1980-01-01" {
		t.Errorf("birthDate = %v, want new field carried over", merged["birthDate"])
	}
	if merged["id"] != "p1" {
		t.Errorf("id = %v, incoming id must be ignored", merged["id"])
	}
	meta := merged["meta"].(map[string]interface{})
	if meta["versionId"] != "3" {
		t.Errorf("meta.versionId = %v, incoming meta must be ignored", meta["versionId"])
	}
}

func TestMergeResources_NameUnionByFamilyGiven(t *testing.T) {
	stored := Resource{
		"resourceType": "Patient",
		"name": []interface{}{
			map[string]interface{}{"family": "Smith", "given": []interface{}{"Jane"}},
		},
	}
	incoming := Resource{
		"resourceType": "Patient",
		"name": []interface{}{
			map[string]interface{}{"family": "Smith", "given": []interface{}{"Jane"}},
			map[string]interface{}{"family": "Doe", "given": []interface{}{"Jane"}},
		},
	}

	merged := MergeResources(stored, incoming)
	names := merged["name"].([]interface{})
	if len(names) != 2 {
		t.Errorf("name count = %d, want 2", len(names))
	}
}

func TestMergeResources_DoesNotMutateInputs(t *testing.T) {
	stored := mkPatient(map[string]interface{}{"system": "a", "value": "1"})
	incoming := mkPatient(map[string]interface{}{"system": "b", "value": "2"})

	MergeResources(stored, incoming)

	if len(stored["identifier"].([]interface{})) != 1 {
		t.Error("stored document mutated by merge")
	}
	if len(incoming["identifier"].([]interface{})) != 1 {
		t.Error("incoming document mutated by merge")
	}
}

func TestHasNewInformation(t *testing.T) {
	base := mkPatient(map[string]interface{}{"system": "urn:mrn", "value": "123"})

	tests := []struct {
		name     string
		incoming Resource
		want     bool
	}{
		{
			"identical identifiers",
			mkPatient(map[string]interface{}{"system": "urn:mrn", "value": "123"}),
			false,
		},
		{
			"new identifier",
			mkPatient(map[string]interface{}{"system": "urn:ssn", "value": "456"}),
			true,
		},
		{
			"new demographic field",
			Resource{"resourceType": "Patient", "gender": "female"},
			true,
		},
		{
			"empty incoming",
			Resource{"resourceType": "Patient"},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasNewInformation(base, tt.incoming); got != tt.want {
				t.Errorf("HasNewInformation = %v, want %v", got, tt.want)
			}
		})
	}
}
