package resource

import (
	"fmt"
	"strings"
	"time"
)

// Prefix is a comparison prefix on an ordered search value.
type Prefix string

const (
	PrefixEq Prefix = "eq"
	PrefixNe Prefix = "ne"
	PrefixGt Prefix = "gt"
	PrefixLt Prefix = "lt"
	PrefixGe Prefix = "ge"
	PrefixLe Prefix = "le"
	PrefixSa Prefix = "sa" // starts after
	PrefixEb Prefix = "eb" // ends before
	PrefixAp Prefix = "ap" // approximately
)

// Modifier adjusts string matching.
type Modifier string

const (
	ModifierExact    Modifier = "exact"
	ModifierContains Modifier = "contains"
)

// ParsedValue is a search value split from its prefix.
type ParsedValue struct {
	Prefix Prefix
	Value  string
}

// ParseValue strips a leading comparison prefix: "gt2023-01-01" becomes
// (gt, "2023-01-01"); a bare value defaults to eq.
func ParseValue(raw string) ParsedValue {
	if len(raw) >= 2 {
		p := Prefix(strings.ToLower(raw[:2]))
		switch p {
		case PrefixEq, PrefixNe, PrefixGt, PrefixLt, PrefixGe, PrefixLe, PrefixSa, PrefixEb, PrefixAp:
			return ParsedValue{Prefix: p, Value: raw[2:]}
		}
	}
	return ParsedValue{Prefix: PrefixEq, Value: raw}
}

// parseFlexDate accepts the date shapes search values arrive in.
func parseFlexDate(v string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02", "2006-01", "2006"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", v)
}

// dateClause compares a jsonb text accessor as a timestamp, honoring
// the value's prefix. An eq on a date-only value matches the whole day.
func dateClause(expr, value string, argIdx int) (string, []interface{}, int) {
	cast := "(" + expr + ")::timestamptz"
	parsed := ParseValue(value)
	t, err := parseFlexDate(parsed.Value)
	if err != nil {
		return fmt.Sprintf("%s = $%d", expr, argIdx), []interface{}{parsed.Value}, argIdx + 1
	}

	switch parsed.Prefix {
	case PrefixGt, PrefixSa:
		return fmt.Sprintf("%s > $%d", cast, argIdx), []interface{}{t}, argIdx + 1
	case PrefixLt, PrefixEb:
		return fmt.Sprintf("%s < $%d", cast, argIdx), []interface{}{t}, argIdx + 1
	case PrefixGe:
		return fmt.Sprintf("%s >= $%d", cast, argIdx), []interface{}{t}, argIdx + 1
	case PrefixLe:
		return fmt.Sprintf("%s <= $%d", cast, argIdx), []interface{}{t}, argIdx + 1
	case PrefixNe:
		return fmt.Sprintf("%s != $%d", cast, argIdx), []interface{}{t}, argIdx + 1
	case PrefixAp:
		low, high := t.Add(-24*time.Hour), t.Add(24*time.Hour)
		clause := fmt.Sprintf("(%s >= $%d AND %s <= $%d)", cast, argIdx, cast, argIdx+1)
		return clause, []interface{}{low, high}, argIdx + 2
	default:
		if len(parsed.Value) == 10 {
			end := t.Add(24*time.Hour - time.Nanosecond)
			clause := fmt.Sprintf("(%s >= $%d AND %s <= $%d)", cast, argIdx, cast, argIdx+1)
			return clause, []interface{}{t, end}, argIdx + 2
		}
		return fmt.Sprintf("%s = $%d", cast, argIdx), []interface{}{t}, argIdx + 1
	}
}

// numberClause compares a jsonb text accessor as a numeric.
func numberClause(expr, value string, argIdx int) (string, []interface{}, int) {
	cast := "(" + expr + ")::numeric"
	parsed := ParseValue(value)

	switch parsed.Prefix {
	case PrefixGt, PrefixSa:
		return fmt.Sprintf("%s > $%d", cast, argIdx), []interface{}{parsed.Value}, argIdx + 1
	case PrefixLt, PrefixEb:
		return fmt.Sprintf("%s < $%d", cast, argIdx), []interface{}{parsed.Value}, argIdx + 1
	case PrefixGe:
		return fmt.Sprintf("%s >= $%d", cast, argIdx), []interface{}{parsed.Value}, argIdx + 1
	case PrefixLe:
		return fmt.Sprintf("%s <= $%d", cast, argIdx), []interface{}{parsed.Value}, argIdx + 1
	case PrefixNe:
		return fmt.Sprintf("%s != $%d", cast, argIdx), []interface{}{parsed.Value}, argIdx + 1
	case PrefixAp:
		clause := fmt.Sprintf("(%s >= $%d::numeric * 0.9 AND %s <= $%d::numeric * 1.1)", cast, argIdx, cast, argIdx+1)
		return clause, []interface{}{parsed.Value, parsed.Value}, argIdx + 2
	default:
		return fmt.Sprintf("%s = $%d", cast, argIdx), []interface{}{parsed.Value}, argIdx + 1
	}
}

// tokenClause matches a coded value exactly. A "system|code" value
// matches on the code part: token expressions address the code element,
// and the registry has no sibling system accessor to pair it with.
func tokenClause(expr, value string, argIdx int) (string, []interface{}, int) {
	if strings.Contains(value, "|") {
		parts := strings.SplitN(value, "|", 2)
		if parts[1] != "" {
			value = parts[1]
		} else {
			value = parts[0]
		}
	}
	return fmt.Sprintf("%s = $%d", expr, argIdx), []interface{}{value}, argIdx + 1
}

// stringClause does a case-insensitive substring match by default;
// the exact modifier switches to equality. The contains modifier is
// accepted as an alias of the default behavior.
func stringClause(expr, value string, modifier Modifier, argIdx int) (string, []interface{}, int) {
	if modifier == ModifierExact {
		return fmt.Sprintf("%s = $%d", expr, argIdx), []interface{}{value}, argIdx + 1
	}
	return fmt.Sprintf("%s ILIKE $%d", expr, argIdx), []interface{}{"%" + value + "%"}, argIdx + 1
}

// referenceClause matches a reference element. A full "Type/id" value
// matches exactly; a bare id matches any reference ending in "/id".
func referenceClause(expr, value string, argIdx int) (string, []interface{}, int) {
	if strings.Contains(value, "/") {
		return fmt.Sprintf("%s = $%d", expr, argIdx), []interface{}{value}, argIdx + 1
	}
	clause := fmt.Sprintf("(%s = $%d OR %s LIKE '%%/' || $%d)", expr, argIdx, expr, argIdx+1)
	return clause, []interface{}{value, value}, argIdx + 2
}

// identifierClause matches any element of an identifier array on
// "system|value", "system|", "|value" or a bare value.
func identifierClause(arrayExpr, value string, argIdx int) (string, []interface{}, int) {
	sub := "SELECT 1 FROM jsonb_array_elements(" + arrayExpr + ") AS ident WHERE "
	if strings.Contains(value, "|") {
		parts := strings.SplitN(value, "|", 2)
		system, val := parts[0], parts[1]
		switch {
		case system != "" && val != "":
			clause := fmt.Sprintf("EXISTS (%sident->>'system' = $%d AND ident->>'value' = $%d)", sub, argIdx, argIdx+1)
			return clause, []interface{}{system, val}, argIdx + 2
		case system != "":
			clause := fmt.Sprintf("EXISTS (%sident->>'system' = $%d)", sub, argIdx)
			return clause, []interface{}{system}, argIdx + 1
		default:
			clause := fmt.Sprintf("EXISTS (%sident->>'value' = $%d)", sub, argIdx)
			return clause, []interface{}{val}, argIdx + 1
		}
	}
	clause := fmt.Sprintf("EXISTS (%sident->>'value' = $%d)", sub, argIdx)
	return clause, []interface{}{value}, argIdx + 1
}
