package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/clinstore/clinstore/internal/platform/fhir"
)

// fakeStore keeps documents in memory and counts writes, standing in
// for a versioned store behind the ResourceStore seam.
type fakeStore struct {
	rt        string
	docs      map[string]fhir.Resource
	creates   int
	updates   int
	createErr error
}

func newFakeStore(rt string) *fakeStore {
	return &fakeStore{rt: rt, docs: map[string]fhir.Resource{}}
}

func (f *fakeStore) ResourceType() string { return f.rt }

func (f *fakeStore) CreateWithID(_ context.Context, id string, doc fhir.Resource) (fhir.Resource, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	stored := fhir.DeepCopy(doc)
	fhir.StampMeta(stored, f.rt, id, 1, time.Now().UTC())
	f.docs[id] = stored
	f.creates++
	return stored, nil
}

func (f *fakeStore) FindByID(_ context.Context, id string) (fhir.Resource, error) {
	doc, ok := f.docs[id]
	if !ok {
		return nil, &fhir.NotFoundError{ResourceType: f.rt, ID: id}
	}
	return doc, nil
}

func (f *fakeStore) FindByIdentifier(_ context.Context, system, value string) (fhir.Resource, error) {
	for _, doc := range f.docs {
		if ident := fhir.FirstIdentifier(doc); ident != nil && ident.System == system && ident.Value == value {
			return doc, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) Update(ctx context.Context, id string, doc fhir.Resource) (fhir.Resource, bool, error) {
	existing, ok := f.docs[id]
	if !ok {
		created, err := f.CreateWithID(ctx, id, doc)
		return created, true, err
	}
	current := fhir.VersionIDOf(existing)
	if expected := fhir.VersionIDOf(doc); expected != 0 && expected != current {
		return nil, false, &fhir.VersionConflictError{
			ResourceType: f.rt, ID: id, Expected: expected, Got: current,
		}
	}
	stored := fhir.DeepCopy(doc)
	fhir.StampMeta(stored, f.rt, id, current+1, time.Now().UTC())
	f.docs[id] = stored
	f.updates++
	return stored, false, nil
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	if _, ok := f.docs[id]; !ok {
		return &fhir.NotFoundError{ResourceType: f.rt, ID: id}
	}
	delete(f.docs, id)
	return nil
}

type fakeRegistry map[string]*fakeStore

func (f fakeRegistry) Get(rt string) (ResourceStore, error) {
	s, ok := f[rt]
	if !ok {
		return nil, &fhir.UnsupportedOperationError{Op: "resource type " + rt}
	}
	return s, nil
}

func testOrchestrator(reg fakeRegistry) *Orchestrator {
	return &Orchestrator{registry: reg}
}

func (f *fakeStore) singleID(t *testing.T) string {
	t.Helper()
	if len(f.docs) != 1 {
		t.Fatalf("store holds %d documents, want 1", len(f.docs))
	}
	for id := range f.docs {
		return id
	}
	return ""
}

func postEntry(fullURL, resourceType string, doc fhir.Resource) Entry {
	return Entry{
		FullURL:  fullURL,
		Resource: doc,
		Request:  EntryRequest{Method: "POST", URL: resourceType},
	}
}

func TestValidateReferences(t *testing.T) {
	patients := newFakeStore("Patient")
	existingID := uuid.New().String()
	patients.docs[existingID] = fhir.Resource{"resourceType": "Patient", "id": existingID}
	o := testOrchestrator(fakeRegistry{"Patient": patients, "Observation": newFakeStore("Observation")})

	observation := func(ref string) fhir.Resource {
		return fhir.Resource{
			"resourceType": "Observation",
			"subject":      map[string]interface{}{"reference": ref},
		}
	}

	tests := []struct {
		name    string
		ref     string
		wantErr bool
	}{
		{"resolvable reference", "Patient/" + existingID, false},
		{"bundle-local urn skipped", "urn:uuid:pat-1", false},
		{"dangling reference", "Patient/" + uuid.New().String(), true},
		{"non-uuid id", "Patient/123", true},
		{"no slash", "garbage", true},
		{"unknown resource type", "Medication/" + existingID, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &Bundle{Type: TypeTransaction, Entries: []Entry{
				postEntry("urn:uuid:obs-1", "Observation", observation(tt.ref)),
			}}
			err := o.validateReferences(context.Background(), b)
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("validateReferences: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			var rerr *fhir.ReferenceError
			if !errors.As(err, &rerr) {
				t.Fatalf("want ReferenceError, got %T: %v", err, err)
			}
			var eerr *EntryError
			if !errors.As(err, &eerr) || eerr.Index != 0 {
				t.Errorf("error must name the failing entry, got %v", err)
			}
		})
	}
}

func TestRunTransaction_StopsAtFailingEntry(t *testing.T) {
	patients := newFakeStore("Patient")
	observations := newFakeStore("Observation")
	observations.createErr = errors.New("write refused")
	o := testOrchestrator(fakeRegistry{"Patient": patients, "Observation": observations})

	b := &Bundle{Type: TypeTransaction, Entries: []Entry{
		postEntry("", "Patient", fhir.Resource{"resourceType": "Patient", "gender": "female"}),
		postEntry("", "Observation", fhir.Resource{"resourceType": "Observation"}),
		postEntry("", "Patient", fhir.Resource{"resourceType": "Patient", "gender": "male"}),
	}}

	_, err := o.runTransaction(context.Background(), b)
	var eerr *EntryError
	if !errors.As(err, &eerr) {
		t.Fatalf("want EntryError, got %v", err)
	}
	if eerr.Index != 1 {
		t.Errorf("failing entry index = %d, want 1", eerr.Index)
	}
	if patients.creates != 1 {
		t.Errorf("entries after the failure must not execute, patient creates = %d", patients.creates)
	}
}

func TestRunTransaction_ResolvesURNReferences(t *testing.T) {
	patients := newFakeStore("Patient")
	observations := newFakeStore("Observation")
	o := testOrchestrator(fakeRegistry{"Patient": patients, "Observation": observations})

	b := &Bundle{Type: TypeTransaction, Entries: []Entry{
		postEntry("urn:uuid:obs-1", "Observation", fhir.Resource{
			"resourceType": "Observation",
			"subject":      map[string]interface{}{"reference": "urn:uuid:pat-1"},
		}),
		postEntry("urn:uuid:pat-1", "Patient", fhir.Resource{"resourceType": "Patient"}),
	}}

	entries, err := o.runTransaction(context.Background(), b)
	if err != nil {
		t.Fatalf("runTransaction: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d", len(entries))
	}

	patientID := patients.singleID(t)
	obs := observations.docs[observations.singleID(t)]
	subject := obs["subject"].(map[string]interface{})["reference"]
	if subject != "Patient/"+patientID {
		t.Errorf("subject = %v, want Patient/%s", subject, patientID)
	}
}

func TestRunTransaction_DuplicatePostMerges(t *testing.T) {
	patients := newFakeStore("Patient")
	o := testOrchestrator(fakeRegistry{"Patient": patients})

	mrn := []interface{}{map[string]interface{}{"system": "urn:mrn", "value": "123"}}

	first := &Bundle{Type: TypeTransaction, Entries: []Entry{
		postEntry("", "Patient", fhir.Resource{
			"resourceType": "Patient",
			"identifier":   mrn,
			"name":         []interface{}{map[string]interface{}{"family": "Smith"}},
		}),
	}}
	entries, err := o.runTransaction(context.Background(), first)
	if err != nil {
		t.Fatalf("first submission: %v", err)
	}
	if entries[0].Response.Status != "201 Created" {
		t.Errorf("first status = %q, want 201 Created", entries[0].Response.Status)
	}

	second := &Bundle{Type: TypeTransaction, Entries: []Entry{
		postEntry("", "Patient", fhir.Resource{
			"resourceType": "Patient",
			"identifier":   mrn,
			"telecom":      []interface{}{map[string]interface{}{"system": "phone", "value": "555-1234"}},
		}),
	}}
	entries, err = o.runTransaction(context.Background(), second)
	if err != nil {
		t.Fatalf("second submission: %v", err)
	}
	if entries[0].Response.Status != "200 OK" {
		t.Errorf("duplicate status = %q, want 200 OK", entries[0].Response.Status)
	}

	merged := patients.docs[patients.singleID(t)]
	if _, ok := merged["telecom"]; !ok {
		t.Error("merge dropped the new telecom")
	}
	if _, ok := merged["name"]; !ok {
		t.Error("merge dropped the original name")
	}
}

func TestRunTransaction_VersionConflictSurfaces(t *testing.T) {
	patients := newFakeStore("Patient")
	id := uuid.New().String()
	stored := fhir.Resource{"resourceType": "Patient", "id": id}
	fhir.StampMeta(stored, "Patient", id, 1, time.Now().UTC())
	patients.docs[id] = stored
	o := testOrchestrator(fakeRegistry{"Patient": patients})

	b := &Bundle{Type: TypeTransaction, Entries: []Entry{
		{
			Resource: fhir.Resource{
				"resourceType": "Patient",
				"meta":         map[string]interface{}{"versionId": "5"},
			},
			Request: EntryRequest{Method: "PUT", URL: "Patient/" + id},
		},
	}}

	_, err := o.runTransaction(context.Background(), b)
	var cerr *fhir.VersionConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("want VersionConflictError, got %v", err)
	}
	var eerr *EntryError
	if !errors.As(err, &eerr) || eerr.Index != 0 {
		t.Errorf("error must name the failing entry, got %v", err)
	}
}

func TestRunTransaction_PutUpsertsAndPatchDoesNot(t *testing.T) {
	patients := newFakeStore("Patient")
	o := testOrchestrator(fakeRegistry{"Patient": patients})
	id := uuid.New().String()

	put := &Bundle{Type: TypeTransaction, Entries: []Entry{{
		Resource: fhir.Resource{"resourceType": "Patient"},
		Request:  EntryRequest{Method: "PUT", URL: "Patient/" + id},
	}}}
	entries, err := o.runTransaction(context.Background(), put)
	if err != nil {
		t.Fatalf("PUT upsert: %v", err)
	}
	if entries[0].Response.Status != "201 Created" {
		t.Errorf("PUT to missing id = %q, want 201 Created", entries[0].Response.Status)
	}

	patch := &Bundle{Type: TypeTransaction, Entries: []Entry{{
		Resource: fhir.Resource{"resourceType": "Patient", "gender": "female"},
		Request:  EntryRequest{Method: "PATCH", URL: "Patient/" + uuid.New().String()},
	}}}
	_, err = o.runTransaction(context.Background(), patch)
	var nerr *fhir.NotFoundError
	if !errors.As(err, &nerr) {
		t.Fatalf("PATCH to missing id must not upsert, got %v", err)
	}
}

func TestLogEntryCapturesSubmission(t *testing.T) {
	o := testOrchestrator(fakeRegistry{})
	body := []byte(`{"resourceType":"Bundle","type":"transaction"}`)
	b := &Bundle{
		Type:         TypeTransaction,
		SourceSystem: "lab-gateway",
		Entries: []Entry{
			{Request: EntryRequest{Method: "POST", URL: "Patient"}},
			{Request: EntryRequest{Method: "POST", URL: "Observation"}},
			{Request: EntryRequest{Method: "DELETE", URL: "Patient/x"}},
		},
	}

	e := o.logEntry(b, "abc123", "dr.jones", body, true)

	if e.BundleHash != "abc123" || e.BundleType != TypeTransaction {
		t.Errorf("hash/type = %q/%q", e.BundleHash, e.BundleType)
	}
	if e.SubmittedBy != "dr.jones" || e.SourceSystem != "lab-gateway" {
		t.Errorf("attribution = %q/%q", e.SubmittedBy, e.SourceSystem)
	}
	if e.EntryCount != 3 || !e.Duplicate {
		t.Errorf("entryCount=%d duplicate=%v", e.EntryCount, e.Duplicate)
	}
	var counts map[string]int
	if err := json.Unmarshal(e.Summary, &counts); err != nil {
		t.Fatalf("summary: %v", err)
	}
	if counts["POST"] != 2 || counts["DELETE"] != 1 {
		t.Errorf("summary = %v", counts)
	}
	if string(e.Content) != string(body) {
		t.Error("content must keep the submitted bundle verbatim")
	}
}

func TestProcessBatch_IsolatesBadEntries(t *testing.T) {
	patients := newFakeStore("Patient")
	o := testOrchestrator(fakeRegistry{"Patient": patients})

	b := &Bundle{Type: TypeBatch, Entries: []Entry{
		postEntry("", "Patient", fhir.Resource{
			"resourceType": "Patient",
			"generalPractitioner": []interface{}{
				map[string]interface{}{"reference": "Practitioner/not-a-uuid"},
			},
		}),
		postEntry("", "Patient", fhir.Resource{"resourceType": "Patient"}),
	}}

	resp, failed := o.processBatch(context.Background(), b)
	if failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
	if resp.Entry[0].Response.Outcome == nil {
		t.Error("bad entry must carry an error outcome")
	}
	if resp.Entry[0].Response.Status != "400 Bad Request" {
		t.Errorf("bad entry status = %q", resp.Entry[0].Response.Status)
	}
	if resp.Entry[1].Response.Status != "201 Created" {
		t.Errorf("good entry status = %q", resp.Entry[1].Response.Status)
	}
	if patients.creates != 1 {
		t.Errorf("patient creates = %d, want 1", patients.creates)
	}
}
