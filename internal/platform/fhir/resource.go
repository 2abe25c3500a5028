package fhir

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Resource is the generic representation of a stored FHIR resource: the full
// document as parsed JSON. All storage and orchestration code operates on
// this shape; typed structs exist only for the value types below.
type Resource = map[string]interface{}

type Meta struct {
	VersionID   string    `json:"versionId,omitempty"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
	Profile     []string  `json:"profile,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

type Identifier struct {
	Use    string `json:"use,omitempty"`
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

type HumanName struct {
	Use    string   `json:"use,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
}

type ContactPoint struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
	Use    string `json:"use,omitempty"`
}

type Address struct {
	Use        string   `json:"use,omitempty"`
	Line       []string `json:"line,omitempty"`
	City       string   `json:"city,omitempty"`
	State      string   `json:"state,omitempty"`
	PostalCode string   `json:"postalCode,omitempty"`
	Country    string   `json:"country,omitempty"`
}

// ResourceType returns the resourceType field of a document, or "".
func ResourceType(doc Resource) string {
	rt, _ := doc["resourceType"].(string)
	return rt
}

// ResourceID returns the id field of a document, or "".
func ResourceID(doc Resource) string {
	id, _ := doc["id"].(string)
	return id
}

// VersionIDOf extracts meta.versionId from a document. Returns 0 when absent
// or unparsable; FHIR version ids are strings on the wire but integers here.
func VersionIDOf(doc Resource) int {
	meta, _ := doc["meta"].(map[string]interface{})
	if meta == nil {
		return 0
	}
	switch v := meta["versionId"].(type) {
	case string:
		n, _ := strconv.Atoi(v)
		return n
	case float64:
		return int(v)
	}
	return 0
}

// StampMeta writes id, resourceType and the meta block into a document,
// keeping the JSON body in sync with the row's scalar columns.
func StampMeta(doc Resource, resourceType, id string, versionID int, lastUpdated time.Time) {
	doc["resourceType"] = resourceType
	doc["id"] = id
	meta, _ := doc["meta"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["versionId"] = strconv.Itoa(versionID)
	meta["lastUpdated"] = lastUpdated.UTC().Format(time.RFC3339)
	doc["meta"] = meta
}

// FirstIdentifier returns the first entry of the document's identifier array
// that has both system and value populated, or nil.
func FirstIdentifier(doc Resource) *Identifier {
	arr, _ := doc["identifier"].([]interface{})
	for _, item := range arr {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		system, _ := m["system"].(string)
		value, _ := m["value"].(string)
		if system != "" && value != "" {
			use, _ := m["use"].(string)
			return &Identifier{Use: use, System: system, Value: value}
		}
	}
	return nil
}

// DeepCopy returns an independent copy of a document.
func DeepCopy(doc Resource) Resource {
	data, _ := json.Marshal(doc)
	var result Resource
	_ = json.Unmarshal(data, &result)
	return result
}

// Location formats the versioned location of a stored resource,
// e.g. "Patient/1234/_history/2".
func Location(resourceType, id string, versionID int) string {
	return fmt.Sprintf("%s/%s/_history/%d", resourceType, id, versionID)
}
