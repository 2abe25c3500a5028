package searchparameter

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Builtin returns the definitions seeded for a fresh tenant. Deployments
// add their own rows on top; seeding is idempotent because Upsert keys
// on (resource_type, name).
func Builtin() []*Definition {
	return []*Definition{
		{ResourceType: "Patient", Name: "identifier", Type: TypeIdentifier, Expression: "$.identifier[*]", Description: "Business identifier (system|value)"},
		{ResourceType: "Patient", Name: "name", Type: TypeString, Expression: "$.name[*].family", Description: "Family name"},
		{ResourceType: "Patient", Name: "given", Type: TypeString, Expression: "$.name[*].given[*]", Description: "Given name"},
		{ResourceType: "Patient", Name: "gender", Type: TypeToken, Expression: "$.gender", Description: "Administrative gender"},
		{ResourceType: "Patient", Name: "birthdate", Type: TypeDate, Expression: "$.birthDate", Description: "Date of birth"},
		{ResourceType: "Patient", Name: "organization", Type: TypeReference, Expression: "$.managingOrganization.reference", Description: "Managing organization"},

		{ResourceType: "Observation", Name: "code", Type: TypeToken, Expression: "$.code.coding[*].code", Description: "Observation code"},
		{ResourceType: "Observation", Name: "status", Type: TypeToken, Expression: "$.status", Description: "Observation status"},
		{ResourceType: "Observation", Name: "subject", Type: TypeReference, Expression: "$.subject.reference", Description: "Subject of the observation"},
		{ResourceType: "Observation", Name: "patient", Type: TypeReference, Expression: "$.subject.reference", Description: "Subject, when a Patient"},
		{ResourceType: "Observation", Name: "date", Type: TypeDate, Expression: "$.effectiveDateTime", Description: "Clinically relevant time"},
		{ResourceType: "Observation", Name: "value-quantity", Type: TypeNumber, Expression: "$.valueQuantity.value", Description: "Numeric result value"},

		{ResourceType: "Encounter", Name: "status", Type: TypeToken, Expression: "$.status", Description: "Encounter status"},
		{ResourceType: "Encounter", Name: "class", Type: TypeToken, Expression: "$.class.code", Description: "Encounter class"},
		{ResourceType: "Encounter", Name: "subject", Type: TypeReference, Expression: "$.subject.reference", Description: "Subject of the encounter"},
		{ResourceType: "Encounter", Name: "date", Type: TypeDate, Expression: "$.period.start", Description: "Encounter start"},

		{ResourceType: "Condition", Name: "code", Type: TypeToken, Expression: "$.code.coding[*].code", Description: "Condition code"},
		{ResourceType: "Condition", Name: "clinical-status", Type: TypeToken, Expression: "$.clinicalStatus.coding[*].code", Description: "Clinical status"},
		{ResourceType: "Condition", Name: "subject", Type: TypeReference, Expression: "$.subject.reference", Description: "Subject of the condition"},
		{ResourceType: "Condition", Name: "onset-date", Type: TypeDate, Expression: "$.onsetDateTime", Description: "Onset date"},

		{ResourceType: "Practitioner", Name: "identifier", Type: TypeIdentifier, Expression: "$.identifier[*]", Description: "Business identifier"},
		{ResourceType: "Practitioner", Name: "name", Type: TypeString, Expression: "$.name[*].family", Description: "Family name"},

		{ResourceType: "Organization", Name: "identifier", Type: TypeIdentifier, Expression: "$.identifier[*]", Description: "Business identifier"},
		{ResourceType: "Organization", Name: "name", Type: TypeString, Expression: "$.name", Description: "Organization name"},

		{ResourceType: "CodeSystem", Name: "url", Type: TypeToken, Expression: "$.url", Description: "Canonical URL"},
		{ResourceType: "CodeSystem", Name: "name", Type: TypeString, Expression: "$.name", Description: "Computable name"},
		{ResourceType: "CodeSystem", Name: "status", Type: TypeToken, Expression: "$.status", Description: "Publication status"},

		{ResourceType: "ValueSet", Name: "url", Type: TypeToken, Expression: "$.url", Description: "Canonical URL"},
		{ResourceType: "ValueSet", Name: "name", Type: TypeString, Expression: "$.name", Description: "Computable name"},
		{ResourceType: "ValueSet", Name: "status", Type: TypeToken, Expression: "$.status", Description: "Publication status"},
	}
}

// Seed upserts the builtin definitions for the tenant bound to ctx.
func Seed(ctx context.Context, repo Repository) error {
	defs := Builtin()
	for _, d := range defs {
		if err := repo.Upsert(ctx, d); err != nil {
			return err
		}
	}
	log.Info().Int("count", len(defs)).Msg("seeded search parameter definitions")
	return nil
}
