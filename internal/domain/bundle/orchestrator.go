package bundle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/clinstore/clinstore/internal/domain/resource"
	"github.com/clinstore/clinstore/internal/platform/db"
	"github.com/clinstore/clinstore/internal/platform/fhir"
)

// EntryError ties a failure to the bundle entry that caused it, so a
// transaction rollback can point at the offending position.
type EntryError struct {
	Index int
	Err   error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("entry %d: %v", e.Index, e.Err)
}

func (e *EntryError) Unwrap() error { return e.Err }

// ResourceStore is the slice of a versioned store that bundle
// processing uses. *resource.Store satisfies it.
type ResourceStore interface {
	ResourceType() string
	CreateWithID(ctx context.Context, id string, doc fhir.Resource) (fhir.Resource, error)
	FindByID(ctx context.Context, id string) (fhir.Resource, error)
	FindByIdentifier(ctx context.Context, system, value string) (fhir.Resource, error)
	Update(ctx context.Context, id string, doc fhir.Resource) (fhir.Resource, bool, error)
	Delete(ctx context.Context, id string) error
}

// StoreRegistry resolves a resource type to its store.
type StoreRegistry interface {
	Get(resourceType string) (ResourceStore, error)
}

// storeRegistry adapts *resource.Registry to StoreRegistry; the
// concrete Get returns *resource.Store, which has to be re-wrapped in
// the interface.
type storeRegistry struct{ r *resource.Registry }

func (a storeRegistry) Get(resourceType string) (ResourceStore, error) {
	s, err := a.r.Get(resourceType)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// entryPlan is the identity decided for a POST entry before execution.
type entryPlan struct {
	id     string
	create bool // false: merge into an existing resource with the same natural key
}

// txContext carries the state shared by all entries of one transaction.
type txContext struct {
	idMap     map[string]string // urn:uuid fullUrl -> "Type/id"
	processed map[string]string // natural key -> resolved id
	plans     map[int]entryPlan // entry index -> planned identity
}

func newTxContext() *txContext {
	return &txContext{
		idMap:     map[string]string{},
		processed: map[string]string{},
		plans:     map[int]entryPlan{},
	}
}

// Orchestrator processes transaction and batch bundles against the
// versioned stores. Transactions are atomic: identities are planned up
// front so internal references resolve no matter the entry order, then
// every entry executes inside one database transaction.
type Orchestrator struct {
	registry StoreRegistry
	pool     *pgxpool.Pool
	logs     *LogRepo
	cache    *ResponseCache  // optional
	events   *EventPublisher // optional
}

func NewOrchestrator(registry *resource.Registry, pool *pgxpool.Pool, logs *LogRepo, cache *ResponseCache, events *EventPublisher) *Orchestrator {
	return &Orchestrator{registry: storeRegistry{r: registry}, pool: pool, logs: logs, cache: cache, events: events}
}

// Process handles one submitted bundle and returns the marshaled
// response bundle.
func (o *Orchestrator) Process(ctx context.Context, body []byte, submittedBy string) ([]byte, error) {
	start := time.Now()

	b, err := Parse(body)
	if err != nil {
		return nil, err
	}
	if err := Validate(b); err != nil {
		return nil, err
	}
	// An attribution in the body wins over the caller's token identity.
	if b.SubmittedBy != "" {
		submittedBy = b.SubmittedBy
	}
	if b.Type == TypeTransaction {
		if err := o.validateReferences(ctx, b); err != nil {
			return nil, err
		}
	}

	sum := sha256.Sum256(body)
	hash := hex.EncodeToString(sum[:])
	tenant := db.TenantFromContext(ctx)

	// A bundle seen before returns its original response untouched.
	if cached := o.cache.Get(ctx, tenant, hash); cached != nil {
		logID, lerr := o.logs.Start(ctx, o.logEntry(b, hash, submittedBy, body, true))
		if lerr != nil {
			return nil, &fhir.StoreError{Op: "log bundle", Err: lerr}
		}
		if lerr := o.logs.MarkDuplicateCached(ctx, logID, time.Since(start)); lerr != nil {
			log.Error().Err(lerr).Msg("mark duplicate bundle log")
		}
		o.events.Publish(ctx, Event{Tenant: tenant, BundleLogID: logID.String(),
			Status: StatusDuplicateCached, EntryCount: len(b.Entries), Duplicate: true})
		log.Info().Str("hash", hash).Msg("duplicate bundle served from cache")
		return cached, nil
	}

	// No cached response for the hash: check the audit log. A previous
	// success flags the row as a duplicate and the bundle is processed
	// again; merge semantics keep that idempotent for the resources
	// that matter.
	duplicate := false
	prev, perr := o.logs.LastSuccessByHash(ctx, hash)
	if perr != nil {
		return nil, &fhir.StoreError{Op: "check duplicate bundle", Err: perr}
	}
	if prev != nil {
		duplicate = true
		log.Warn().Str("hash", hash).Str("previous", prev.ID.String()).
			Msg("bundle already processed, reprocessing")
	}

	logID, err := o.logs.Start(ctx, o.logEntry(b, hash, submittedBy, body, duplicate))
	if err != nil {
		return nil, &fhir.StoreError{Op: "log bundle", Err: err}
	}

	// Every row the bundle writes carries the audit log id as its
	// transaction id.
	ctx = resource.WithTxID(ctx, logID)

	var resp *Response
	failed := 0
	if b.Type == TypeBatch {
		resp, failed = o.processBatch(ctx, b)
	} else {
		resp, err = o.processTransaction(ctx, b)
		if err != nil {
			if lerr := o.logs.MarkFailed(ctx, logID, err.Error(), time.Since(start)); lerr != nil {
				log.Error().Err(lerr).Msg("mark bundle log failed")
			}
			o.events.Publish(ctx, Event{Tenant: tenant, BundleLogID: logID.String(),
				Status: StatusFailed, EntryCount: len(b.Entries), Duplicate: duplicate})
			return nil, err
		}
	}

	status := StatusSuccess
	if failed > 0 {
		status = StatusPartial
		if err := o.logs.MarkPartial(ctx, logID, time.Since(start)); err != nil {
			log.Error().Err(err).Msg("mark bundle log partial")
		}
	} else if err := o.logs.MarkSuccess(ctx, logID, time.Since(start)); err != nil {
		log.Error().Err(err).Msg("mark bundle log success")
	}

	out, err := json.Marshal(resp)
	if err != nil {
		return nil, &fhir.StoreError{Op: "encode bundle response", Err: err}
	}
	if b.Type == TypeTransaction {
		o.cache.Set(ctx, tenant, hash, out)
	}
	o.events.Publish(ctx, Event{Tenant: tenant, BundleLogID: logID.String(),
		Status: status, EntryCount: len(b.Entries), Duplicate: duplicate})
	return out, nil
}

// logEntry builds the audit row for a submission: hash, attribution,
// per-method entry counts, and the raw bundle for replay.
func (o *Orchestrator) logEntry(b *Bundle, hash, submittedBy string, body []byte, duplicate bool) *LogEntry {
	counts := map[string]int{}
	for _, e := range b.Entries {
		counts[e.Request.Method]++
	}
	summary, _ := json.Marshal(counts)
	return &LogEntry{
		BundleHash:   hash,
		BundleType:   b.Type,
		SubmittedBy:  submittedBy,
		SourceSystem: b.SourceSystem,
		EntryCount:   len(b.Entries),
		Duplicate:    duplicate,
		Summary:      summary,
		Content:      body,
	}
}

// validateReferences resolves every external reference before any
// entry executes, so a transaction never opens for a bundle that
// points at resources the store does not hold. urn:uuid references are
// bundle-local and resolve during execution.
func (o *Orchestrator) validateReferences(ctx context.Context, b *Bundle) error {
	for i, entry := range b.Entries {
		if entry.Resource == nil {
			continue
		}
		if err := o.checkEntryReferences(ctx, entry.Resource); err != nil {
			return &EntryError{Index: i, Err: err}
		}
	}
	return nil
}

func (o *Orchestrator) checkEntryReferences(ctx context.Context, doc fhir.Resource) error {
	for _, ref := range extractReferences(doc) {
		if isURN(ref) {
			continue
		}
		rt, id, err := splitExternalReference(ref)
		if err != nil {
			return &fhir.ReferenceError{Reference: ref, Msg: err.Error()}
		}
		store, err := o.registry.Get(rt)
		if err != nil {
			return &fhir.ReferenceError{Reference: ref, Msg: "unknown resource type " + rt}
		}
		if _, err := store.FindByID(ctx, id); err != nil {
			var nf *fhir.NotFoundError
			if errors.As(err, &nf) {
				return &fhir.ReferenceError{Reference: ref, Msg: "referenced resource does not exist"}
			}
			return err
		}
	}
	return nil
}

// processTransaction runs all entries in one database transaction.
func (o *Orchestrator) processTransaction(ctx context.Context, b *Bundle) (*Response, error) {
	txCtx, tx, err := db.WithTx(ctx, o.pool)
	if err != nil {
		return nil, &fhir.StoreError{Op: "begin bundle transaction", Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	entries, err := o.runTransaction(txCtx, b)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, &fhir.StoreError{Op: "commit bundle transaction", Err: err}
	}

	return &Response{
		ResourceType: "Bundle",
		Type:         TypeTransactionResponse,
		Timestamp:    time.Now().UTC(),
		Entry:        entries,
	}, nil
}

// runTransaction plans identities and executes every entry against
// whatever connection ctx carries. Responses stay positional: entry i
// of the result describes entry i of the request.
func (o *Orchestrator) runTransaction(ctx context.Context, b *Bundle) ([]ResponseEntry, error) {
	tc := newTxContext()
	if err := o.planIdentities(ctx, b, tc); err != nil {
		return nil, err
	}

	entries := make([]ResponseEntry, len(b.Entries))
	for i, entry := range b.Entries {
		re, err := o.executeEntry(ctx, tc, i, entry)
		if err != nil {
			return nil, &EntryError{Index: i, Err: err}
		}
		entries[i] = re
	}
	return entries, nil
}

// processBatch runs entries independently; a failed entry captures its
// error in place and the rest continue. The second return value counts
// the failures.
func (o *Orchestrator) processBatch(ctx context.Context, b *Bundle) (*Response, int) {
	failed := 0
	entries := make([]ResponseEntry, len(b.Entries))
	for i, entry := range b.Entries {
		tc := newTxContext()
		if entry.Resource != nil {
			if err := o.checkEntryReferences(ctx, entry.Resource); err != nil {
				entries[i] = errorEntry(err)
				failed++
				continue
			}
		}
		if entry.Request.Method == "POST" {
			if err := o.planEntry(ctx, b, tc, i); err != nil {
				entries[i] = errorEntry(err)
				failed++
				continue
			}
		}
		re, err := o.executeEntry(ctx, tc, i, entry)
		if err != nil {
			entries[i] = errorEntry(err)
			failed++
			continue
		}
		entries[i] = re
	}
	return &Response{
		ResourceType: "Bundle",
		Type:         TypeBatchResponse,
		Timestamp:    time.Now().UTC(),
		Entry:        entries,
	}, failed
}

// planIdentities decides the id every POST entry will land on before
// anything executes, so urn:uuid references resolve regardless of entry
// order. Natural keys collapse here: a POST whose key matches a stored
// resource, or an earlier entry in the same bundle, is planned as a
// merge into that resource.
func (o *Orchestrator) planIdentities(ctx context.Context, b *Bundle, tc *txContext) error {
	for i, entry := range b.Entries {
		switch entry.Request.Method {
		case "POST":
			if err := o.planEntry(ctx, b, tc, i); err != nil {
				return &EntryError{Index: i, Err: err}
			}
		case "PUT", "PATCH", "DELETE":
			// A urn fullUrl on an entry with a concrete URL still
			// resolves for other entries referencing it.
			if isURN(entry.FullURL) {
				rt, id := parseEntryURL(entry.Request.URL)
				if id != "" {
					tc.idMap[entry.FullURL] = rt + "/" + id
				}
			}
		}
	}
	return nil
}

func (o *Orchestrator) planEntry(ctx context.Context, b *Bundle, tc *txContext, i int) error {
	entry := b.Entries[i]
	rt, _ := parseEntryURL(entry.Request.URL)
	store, err := o.registry.Get(rt)
	if err != nil {
		return err
	}

	plan := entryPlan{create: true}
	if key := fhir.NaturalKey(entry.Resource); key != "" {
		if id, ok := tc.processed[key]; ok {
			plan = entryPlan{id: id, create: false}
		} else if ident := fhir.FirstIdentifier(entry.Resource); ident != nil {
			existing, ferr := store.FindByIdentifier(ctx, ident.System, ident.Value)
			if ferr != nil {
				return ferr
			}
			if existing != nil {
				plan = entryPlan{id: fhir.ResourceID(existing), create: false}
			}
		}
		if plan.id == "" {
			plan.id = uuid.New().String()
		}
		tc.processed[key] = plan.id
	} else {
		plan.id = uuid.New().String()
	}

	tc.plans[i] = plan
	if isURN(entry.FullURL) {
		tc.idMap[entry.FullURL] = rt + "/" + plan.id
	}
	return nil
}

// executeEntry runs one entry and builds its response.
func (o *Orchestrator) executeEntry(ctx context.Context, tc *txContext, i int, entry Entry) (ResponseEntry, error) {
	if entry.Resource != nil {
		for _, urn := range resolveReferences(entry.Resource, tc.idMap) {
			log.Warn().Int("entry", i).Str("reference", urn).
				Msg("unresolved internal reference left as-is")
		}
	}
	url := entry.Request.URL
	for urn, target := range tc.idMap {
		url = strings.ReplaceAll(url, urn, target)
	}
	rt, id := parseEntryURL(url)

	store, err := o.registry.Get(rt)
	if err != nil {
		return ResponseEntry{}, err
	}

	switch entry.Request.Method {
	case "POST":
		return o.executePost(ctx, tc, i, store, entry)
	case "PUT":
		if id == "" {
			return ResponseEntry{}, fhir.NewValidationError("PUT requires %s/<id>", rt)
		}
		updated, created, uerr := store.Update(ctx, id, entry.Resource)
		if uerr != nil {
			return ResponseEntry{}, uerr
		}
		status := "200 OK"
		if created {
			status = "201 Created"
		}
		return resourceEntry(rt, updated, status), nil
	case "PATCH":
		if id == "" {
			return ResponseEntry{}, fhir.NewValidationError("PATCH requires %s/<id>", rt)
		}
		existing, ferr := store.FindByID(ctx, id)
		if ferr != nil {
			return ResponseEntry{}, ferr
		}
		merged := fhir.MergeResources(existing, entry.Resource)
		updated, _, uerr := store.Update(ctx, id, merged)
		if uerr != nil {
			return ResponseEntry{}, uerr
		}
		return resourceEntry(rt, updated, "200 OK"), nil
	case "DELETE":
		if id == "" {
			return ResponseEntry{}, fhir.NewValidationError("DELETE requires %s/<id>", rt)
		}
		if derr := store.Delete(ctx, id); derr != nil {
			return ResponseEntry{}, derr
		}
		return ResponseEntry{Response: &EntryResponse{Status: "204 No Content"}}, nil
	case "GET":
		if id == "" {
			return ResponseEntry{}, &fhir.UnsupportedOperationError{Op: "search inside bundle"}
		}
		doc, ferr := store.FindByID(ctx, id)
		if ferr != nil {
			return ResponseEntry{}, ferr
		}
		return resourceEntry(rt, doc, "200 OK"), nil
	default:
		return ResponseEntry{}, &fhir.UnsupportedOperationError{Op: entry.Request.Method + " inside bundle"}
	}
}

// executePost creates the planned resource, or merges into the existing
// one when the natural key already had an owner.
func (o *Orchestrator) executePost(ctx context.Context, tc *txContext, i int, store ResourceStore, entry Entry) (ResponseEntry, error) {
	plan, ok := tc.plans[i]
	if !ok {
		plan = entryPlan{id: uuid.New().String(), create: true}
	}

	if plan.create {
		created, err := store.CreateWithID(ctx, plan.id, entry.Resource)
		if err != nil {
			return ResponseEntry{}, err
		}
		return resourceEntry(store.ResourceType(), created, "201 Created"), nil
	}

	existing, err := store.FindByID(ctx, plan.id)
	if err != nil {
		return ResponseEntry{}, err
	}
	if !fhir.HasNewInformation(existing, entry.Resource) {
		log.Info().Int("entry", i).Str("id", plan.id).
			Msg("duplicate resource carries nothing new, returning existing")
		return resourceEntry(store.ResourceType(), existing, "200 OK"), nil
	}

	merged := fhir.MergeResources(existing, entry.Resource)
	updated, _, err := store.Update(ctx, plan.id, merged)
	if err != nil {
		return ResponseEntry{}, err
	}
	return resourceEntry(store.ResourceType(), updated, "200 OK"), nil
}

func resourceEntry(resourceType string, doc fhir.Resource, status string) ResponseEntry {
	id := fhir.ResourceID(doc)
	version := fhir.VersionIDOf(doc)
	resp := &EntryResponse{
		Status:   status,
		Location: fhir.Location(resourceType, id, version),
		ETag:     fmt.Sprintf(`W/"%d"`, version),
	}
	if meta, ok := doc["meta"].(map[string]interface{}); ok {
		if lu, ok := meta["lastUpdated"].(string); ok {
			resp.LastModified = lu
		}
	}
	return ResponseEntry{
		FullURL:  resourceType + "/" + id,
		Resource: doc,
		Response: resp,
	}
}

func errorEntry(err error) ResponseEntry {
	return ResponseEntry{
		Response: &EntryResponse{
			Status:  statusLine(err),
			Outcome: fhir.ErrorOutcome(issueCode(err), err.Error()),
		},
	}
}
