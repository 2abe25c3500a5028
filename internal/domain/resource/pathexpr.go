package resource

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/clinstore/clinstore/internal/platform/fhir"
)

// CompilePath translates a JSONPath-style expression from the search
// parameter registry into a jsonb accessor on the document column.
//
//	$.gender                -> document->>'gender'
//	$.subject.reference     -> document->'subject'->>'reference'
//	$.code.coding[*].code   -> document->'code'->'coding'->0->>'code'
//	$.name[2].family        -> document->'name'->2->>'family'
//
// A [*] segment selects the first element of the array and [n] selects
// element n; repeating elements that need full-array matching
// (identifier) go through CompileArrayPath instead. Expressions that
// already look like raw SQL accessors (starting with "document") pass
// through untouched.
func CompilePath(expr string) (string, error) {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "document") {
		return expr, nil
	}
	if !strings.HasPrefix(expr, "$.") {
		return "", fhir.NewValidationError("unsupported path expression %q", expr)
	}

	segments := strings.Split(expr[2:], ".")
	if len(segments) == 0 || segments[0] == "" {
		return "", fhir.NewValidationError("empty path expression %q", expr)
	}

	var sb strings.Builder
	sb.WriteString("document")
	for i, seg := range segments {
		field, index, indexed, err := splitSegment(seg)
		if err != nil {
			return "", fhir.NewValidationError("bad segment %q in path %q", seg, expr)
		}
		last := i == len(segments)-1
		if last && !indexed {
			fmt.Fprintf(&sb, "->>'%s'", field)
			continue
		}
		fmt.Fprintf(&sb, "->'%s'", field)
		if indexed {
			if last {
				// Terminal index: text of the selected element.
				fmt.Fprintf(&sb, "->>%d", index)
			} else {
				fmt.Fprintf(&sb, "->%d", index)
			}
		}
	}
	return sb.String(), nil
}

// CompileArrayPath translates an expression ending in [*] into the jsonb
// accessor for the whole array, for use with jsonb_array_elements.
//
//	$.identifier[*] -> document->'identifier'
func CompileArrayPath(expr string) (string, error) {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "$.") || !strings.HasSuffix(expr, "[*]") {
		return "", fhir.NewValidationError("array path %q must start with $. and end with [*]", expr)
	}

	segments := strings.Split(strings.TrimSuffix(expr[2:], "[*]"), ".")
	var sb strings.Builder
	sb.WriteString("document")
	for _, seg := range segments {
		field, index, indexed, err := splitSegment(seg)
		if err != nil {
			return "", fhir.NewValidationError("bad segment %q in path %q", seg, expr)
		}
		fmt.Fprintf(&sb, "->'%s'", field)
		if indexed {
			fmt.Fprintf(&sb, "->%d", index)
		}
	}
	return sb.String(), nil
}

// splitSegment parses one dotted segment, returning the field name and
// the array index it carried: [*] selects element 0, [n] selects
// element n. Field names are restricted to identifier characters so a
// registry row can never inject SQL.
func splitSegment(seg string) (string, int, bool, error) {
	field := seg
	index := 0
	indexed := false
	if open := strings.Index(seg, "["); open >= 0 {
		if !strings.HasSuffix(seg, "]") {
			return "", 0, false, fmt.Errorf("unterminated index in %q", seg)
		}
		field = seg[:open]
		sub := seg[open+1 : len(seg)-1]
		if sub != "*" {
			n, err := strconv.Atoi(sub)
			if err != nil || n < 0 {
				return "", 0, false, fmt.Errorf("bad index %q", sub)
			}
			index = n
		}
		indexed = true
	}
	if field == "" {
		return "", 0, false, fmt.Errorf("empty field")
	}
	for _, r := range field {
		ok := r == '_' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			return "", 0, false, fmt.Errorf("invalid character %q", r)
		}
	}
	return field, index, indexed, nil
}
