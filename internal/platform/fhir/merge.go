package fhir

import (
	"fmt"
	"strings"
)

// Field-level merge used when a bundle PATCH entry or a duplicate POST folds
// new data into a stored resource. Strategies by field category:
//
//   - identifier/name/telecom/address arrays: union by a domain equality key
//   - other arrays: replaced wholesale by the incoming value
//   - nested objects: deep-merged
//   - scalars: replaced by the incoming value
//
// id, resourceType and meta are never taken from the incoming document.

// elementKey computes the union key for one element of a keyed array.
type elementKey func(map[string]interface{}) string

var unionFields = map[string]elementKey{
	"identifier": identifierKey,
	"name":       humanNameKey,
	"telecom":    contactPointKey,
	"address":    addressKey,
}

func identifierKey(m map[string]interface{}) string {
	system, _ := m["system"].(string)
	value, _ := m["value"].(string)
	return system + "|" + value
}

func humanNameKey(m map[string]interface{}) string {
	family, _ := m["family"].(string)
	var given []string
	if arr, ok := m["given"].([]interface{}); ok {
		for _, g := range arr {
			if s, ok := g.(string); ok {
				given = append(given, s)
			}
		}
	}
	return family + "|" + strings.Join(given, " ")
}

func contactPointKey(m map[string]interface{}) string {
	system, _ := m["system"].(string)
	value, _ := m["value"].(string)
	return system + "|" + value
}

func addressKey(m map[string]interface{}) string {
	var line []string
	if arr, ok := m["line"].([]interface{}); ok {
		for _, l := range arr {
			if s, ok := l.(string); ok {
				line = append(line, s)
			}
		}
	}
	city, _ := m["city"].(string)
	postal, _ := m["postalCode"].(string)
	return strings.Join(line, "|") + "|" + city + "|" + postal
}

// MergeResources merges incoming into a copy of base and returns the result.
// Neither input is modified.
func MergeResources(base, incoming Resource) Resource {
	result := DeepCopy(base)
	for field, value := range incoming {
		if field == "id" || field == "resourceType" || field == "meta" {
			continue
		}
		if value == nil {
			continue
		}
		result[field] = mergeField(field, result[field], value)
	}
	return result
}

func mergeField(field string, existing, incoming interface{}) interface{} {
	switch inc := incoming.(type) {
	case []interface{}:
		if keyFn, ok := unionFields[field]; ok {
			if ex, ok := existing.([]interface{}); ok {
				return unionByKey(ex, inc, keyFn)
			}
		}
		return deepCopyValue(inc)
	case map[string]interface{}:
		if ex, ok := existing.(map[string]interface{}); ok {
			return deepMergeMaps(ex, inc)
		}
		return DeepCopy(inc)
	default:
		return incoming
	}
}

func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return DeepCopy(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}

// unionByKey appends incoming elements whose key is not already present.
// Existing elements are left untouched; order is existing-then-new.
func unionByKey(existing, incoming []interface{}, keyFn elementKey) []interface{} {
	seen := make(map[string]bool, len(existing))
	for _, item := range existing {
		if m, ok := item.(map[string]interface{}); ok {
			seen[keyFn(m)] = true
		}
	}

	result := existing
	for _, item := range incoming {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		key := keyFn(m)
		if seen[key] {
			continue
		}
		seen[key] = true
		result = append(result, DeepCopy(m))
	}
	return result
}

func deepMergeMaps(base, incoming map[string]interface{}) map[string]interface{} {
	for k, v := range incoming {
		if v == nil {
			continue
		}
		if incMap, ok := v.(map[string]interface{}); ok {
			if baseMap, ok := base[k].(map[string]interface{}); ok {
				base[k] = deepMergeMaps(baseMap, incMap)
				continue
			}
		}
		base[k] = v
	}
	return base
}

// demographicFields are the scalar fields compared by HasNewInformation.
var demographicFields = []string{"gender", "birthDate", "deceasedDateTime", "maritalStatus"}

// HasNewInformation reports whether the incoming document carries data absent
// from the stored one: a keyed-array element with an unseen key, or a
// demographic scalar the stored document lacks. It decides whether a
// duplicate POST triggers a merge-and-update or a plain no-op return.
func HasNewInformation(stored, incoming Resource) bool {
	for field, keyFn := range unionFields {
		incArr, _ := incoming[field].([]interface{})
		if len(incArr) == 0 {
			continue
		}
		storedArr, _ := stored[field].([]interface{})
		seen := make(map[string]bool, len(storedArr))
		for _, item := range storedArr {
			if m, ok := item.(map[string]interface{}); ok {
				seen[keyFn(m)] = true
			}
		}
		for _, item := range incArr {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if !seen[keyFn(m)] {
				return true
			}
		}
	}

	for _, field := range demographicFields {
		inc, ok := incoming[field]
		if !ok || inc == nil {
			continue
		}
		if stored[field] == nil || stored[field] == "" {
			return true
		}
	}

	return false
}

// naturalKeyTypes lists the resource types whose identifier forms a natural
// duplicate key. Other types are never considered duplicates.
var naturalKeyTypes = map[string]bool{
	"Patient": true,
}

// NaturalKey computes the content-derived duplicate key for a resource:
// "Type|system|value" from the first fully-populated identifier. Returns ""
// for types without a natural key.
func NaturalKey(doc Resource) string {
	rt := ResourceType(doc)
	if !naturalKeyTypes[rt] {
		return ""
	}
	ident := FirstIdentifier(doc)
	if ident == nil {
		return ""
	}
	return fmt.Sprintf("%s|%s|%s", rt, ident.System, ident.Value)
}
