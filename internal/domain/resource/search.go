package resource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/clinstore/clinstore/internal/domain/searchparameter"
	"github.com/clinstore/clinstore/internal/platform/fhir"
)

// Query accumulates WHERE fragments with positional args for one
// resource table.
type Query struct {
	table string
	where string
	args  []interface{}
	idx   int
}

func NewQuery(table string) *Query {
	return &Query{table: table, idx: 1}
}

// Add appends a clause fragment (without leading AND) and its args.
func (q *Query) Add(clause string, args ...interface{}) {
	q.where += " AND " + clause
	q.args = append(q.args, args...)
	q.idx += len(args)
}

func (q *Query) CountSQL() string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE 1=1%s", q.table, q.where)
}

func (q *Query) DataSQL() string {
	return fmt.Sprintf(
		"SELECT document FROM %s WHERE 1=1%s ORDER BY last_updated DESC LIMIT $%d OFFSET $%d",
		q.table, q.where, q.idx, q.idx+1)
}

func (q *Query) CountArgs() []interface{} { return q.args }

func (q *Query) DataArgs(limit, offset int) []interface{} {
	out := make([]interface{}, len(q.args)+2)
	copy(out, q.args)
	out[len(q.args)] = limit
	out[len(q.args)+1] = offset
	return out
}

// Result is one page of search matches.
type Result struct {
	Total     int
	Resources []fhir.Resource
	Limit     int
	Offset    int
}

// Searcher compiles query parameters into SQL using the search
// parameter registry and runs the result against a resource table.
type Searcher struct {
	registry *Registry
	params   searchparameter.Repository
}

func NewSearcher(registry *Registry, params searchparameter.Repository) *Searcher {
	return &Searcher{registry: registry, params: params}
}

// Search runs a compiled search for one resource type. Parameters
// without a registry definition are logged and ignored; a malformed
// chained parameter is rejected.
func (sr *Searcher) Search(ctx context.Context, resourceType string, values url.Values, limit, offset int) (*Result, error) {
	store, err := sr.registry.Get(resourceType)
	if err != nil {
		return nil, err
	}

	q := NewQuery(store.Table())

	// Deterministic clause order keeps queries stable across calls.
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := values.Get(name)
		if value == "" {
			continue
		}
		if strings.HasPrefix(name, "_") && name != "_id" {
			continue // control parameter, handled elsewhere
		}
		switch name {
		case "limit", "offset", "count":
			continue // pagination, handled elsewhere
		}
		if err := sr.applyParam(ctx, q, resourceType, name, value); err != nil {
			return nil, err
		}
	}

	var total int
	if err := store.conn(ctx).QueryRow(ctx, q.CountSQL(), q.CountArgs()...).Scan(&total); err != nil {
		return nil, &fhir.StoreError{Op: "count search " + resourceType, Err: err}
	}

	rows, err := store.conn(ctx).Query(ctx, q.DataSQL(), q.DataArgs(limit, offset)...)
	if err != nil {
		return nil, &fhir.StoreError{Op: "search " + resourceType, Err: err}
	}
	defer rows.Close()

	resources := []fhir.Resource{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, &fhir.StoreError{Op: "scan search " + resourceType, Err: err}
		}
		var doc fhir.Resource
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, &fhir.StoreError{Op: "decode search " + resourceType, Err: err}
		}
		resources = append(resources, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, &fhir.StoreError{Op: "search " + resourceType, Err: err}
	}

	return &Result{Total: total, Resources: resources, Limit: limit, Offset: offset}, nil
}

// applyParam compiles one name=value pair into a WHERE clause.
func (sr *Searcher) applyParam(ctx context.Context, q *Query, resourceType, name, value string) error {
	if name == "_id" {
		q.Add(fmt.Sprintf("id = $%d", q.idx), value)
		return nil
	}

	base, rest := splitModifier(name)

	// A modifier containing a dot is a chained parameter:
	// subject:Patient.name=John.
	if strings.Contains(rest, ".") {
		return sr.applyChain(ctx, q, resourceType, base, rest, value)
	}

	def, err := sr.params.Lookup(ctx, resourceType, base)
	if err != nil {
		return &fhir.StoreError{Op: "lookup search parameter", Err: err}
	}
	if def == nil {
		log.Warn().Str("resource_type", resourceType).Str("param", name).
			Msg("ignoring unknown search parameter")
		return nil
	}

	clause, args, err := compileClause(def, value, Modifier(rest), q.idx)
	if err != nil {
		return err
	}
	q.Add(clause, args...)
	return nil
}

// applyChain compiles field:TargetType.param=value into an IN subquery
// against the target resource table.
func (sr *Searcher) applyChain(ctx context.Context, q *Query, resourceType, refParam, chain, value string) error {
	dot := strings.Index(chain, ".")
	targetType, targetParam := chain[:dot], chain[dot+1:]
	if targetType == "" || targetParam == "" {
		return fhir.NewValidationError("malformed chained parameter %s:%s", refParam, chain)
	}

	refDef, err := sr.params.Lookup(ctx, resourceType, refParam)
	if err != nil {
		return &fhir.StoreError{Op: "lookup search parameter", Err: err}
	}
	if refDef == nil || refDef.Type != searchparameter.TypeReference {
		return fhir.NewValidationError("chained parameter %q is not a reference search parameter on %s", refParam, resourceType)
	}

	targetStore, err := sr.registry.Get(targetType)
	if err != nil {
		return fhir.NewValidationError("chained parameter %s:%s names unsupported target type %s", refParam, chain, targetType)
	}

	targetDef, err := sr.params.Lookup(ctx, targetType, targetParam)
	if err != nil {
		return &fhir.StoreError{Op: "lookup search parameter", Err: err}
	}
	if targetDef == nil {
		return fhir.NewValidationError("chained parameter %s:%s names unknown parameter %q on %s", refParam, chain, targetParam, targetType)
	}

	refExpr, err := CompilePath(refDef.Expression)
	if err != nil {
		return err
	}
	targetClause, args, err := compileClause(targetDef, value, "", q.idx)
	if err != nil {
		return err
	}

	clause := fmt.Sprintf("%s IN (SELECT '%s/' || id FROM %s WHERE %s)",
		refExpr, targetType, targetStore.Table(), targetClause)
	q.Add(clause, args...)
	return nil
}

// compileClause turns a definition plus raw value into SQL.
func compileClause(def *searchparameter.Definition, value string, modifier Modifier, argIdx int) (string, []interface{}, error) {
	if def.Type == searchparameter.TypeIdentifier {
		arrayExpr, err := CompileArrayPath(def.Expression)
		if err != nil {
			return "", nil, err
		}
		clause, args, _ := identifierClause(arrayExpr, value, argIdx)
		return clause, args, nil
	}

	expr, err := CompilePath(def.Expression)
	if err != nil {
		return "", nil, err
	}

	var clause string
	var args []interface{}
	switch def.Type {
	case searchparameter.TypeToken:
		clause, args, _ = tokenClause(expr, value, argIdx)
	case searchparameter.TypeString:
		clause, args, _ = stringClause(expr, value, modifier, argIdx)
	case searchparameter.TypeReference:
		clause, args, _ = referenceClause(expr, value, argIdx)
	case searchparameter.TypeNumber:
		clause, args, _ = numberClause(expr, value, argIdx)
	case searchparameter.TypeDate:
		clause, args, _ = dateClause(expr, value, argIdx)
	default:
		return "", nil, fhir.NewValidationError("search parameter %s.%s has unsupported type %q", def.ResourceType, def.Name, def.Type)
	}
	return clause, args, nil
}

// splitModifier separates "name:rest" into its halves.
func splitModifier(name string) (string, string) {
	parts := strings.SplitN(name, ":", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}
