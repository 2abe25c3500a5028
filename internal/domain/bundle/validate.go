package bundle

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/clinstore/clinstore/internal/platform/fhir"
)

var validMethods = map[string]bool{
	"GET":    true,
	"POST":   true,
	"PUT":    true,
	"PATCH":  true,
	"DELETE": true,
}

// Validate checks bundle structure before any entry is executed. All
// problems are collected so the caller sees everything wrong at once.
func Validate(b *Bundle) error {
	var problems []string

	if b.Type != TypeTransaction && b.Type != TypeBatch {
		problems = append(problems, fmt.Sprintf("bundle type must be transaction or batch, got %q", b.Type))
	}
	if len(b.Entries) == 0 {
		problems = append(problems, "bundle has no entries")
	}

	seen := map[string]int{}
	for i, e := range b.Entries {
		if e.Request.Method == "" {
			problems = append(problems, fmt.Sprintf("entry %d: request.method is required", i))
		} else if !validMethods[e.Request.Method] {
			problems = append(problems, fmt.Sprintf("entry %d: invalid method %q", i, e.Request.Method))
		}
		if e.Request.URL == "" {
			problems = append(problems, fmt.Sprintf("entry %d: request.url is required", i))
		}
		if e.Request.Method == "POST" || e.Request.Method == "PUT" || e.Request.Method == "PATCH" {
			if e.Resource == nil {
				problems = append(problems, fmt.Sprintf("entry %d: %s requires a resource body", i, e.Request.Method))
			}
		}
		if e.FullURL != "" {
			if prev, dup := seen[e.FullURL]; dup {
				problems = append(problems, fmt.Sprintf("entry %d: fullUrl %q already used by entry %d", i, e.FullURL, prev))
			}
			seen[e.FullURL] = i
		}
	}

	if len(problems) > 0 {
		return fhir.NewValidationError("invalid bundle: %s", strings.Join(problems, "; "))
	}
	return nil
}

// splitExternalReference parses a literal "Type/<uuid>" reference.
// Anything else (wrong shape, non-UUID id) is malformed.
func splitExternalReference(ref string) (resourceType, id string, err error) {
	parts := strings.SplitN(ref, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("must be ResourceType/<uuid>")
	}
	if _, perr := uuid.Parse(parts[1]); perr != nil {
		return "", "", fmt.Errorf("id %q is not a UUID", parts[1])
	}
	return parts[0], parts[1], nil
}

// extractReferences walks a document collecting every reference value.
func extractReferences(doc fhir.Resource) []string {
	var refs []string
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch val := v.(type) {
		case map[string]interface{}:
			if ref, ok := val["reference"].(string); ok && ref != "" {
				refs = append(refs, ref)
			}
			for _, child := range val {
				walk(child)
			}
		case []interface{}:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(map[string]interface{}(doc))
	return refs
}

// resolveReferences rewrites urn:uuid references through idMap, in the
// document and anywhere a bare string holds the urn. Unresolved urns
// are returned so the caller can log them.
func resolveReferences(doc fhir.Resource, idMap map[string]string) []string {
	var unresolved []string
	var walk func(v interface{}) interface{}
	walk = func(v interface{}) interface{} {
		switch val := v.(type) {
		case map[string]interface{}:
			for k, child := range val {
				val[k] = walk(child)
			}
			return val
		case []interface{}:
			for i, item := range val {
				val[i] = walk(item)
			}
			return val
		case string:
			if isURN(val) {
				if mapped, ok := idMap[val]; ok {
					return mapped
				}
				unresolved = append(unresolved, val)
			}
			return val
		default:
			return val
		}
	}
	walk(map[string]interface{}(doc))
	return unresolved
}
