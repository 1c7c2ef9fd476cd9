// Package fhirshape performs structural validation of inbound FHIR resources:
// resource type, patient reference, and basic shape. No semantic reasoning.
package fhirshape

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// referencePattern matches FHIR references in the format "ResourceType/id".
var referencePattern = regexp.MustCompile(`^[A-Z][a-zA-Z]+/[a-zA-Z0-9\-\.]+$`)

// hiTypeResources maps ABDM HI types to the FHIR resource types a bundle of
// that HI type may carry.
var hiTypeResources = map[string]map[string]bool{
	"DiagnosticReport":     {"DiagnosticReport": true, "Observation": true},
	"Prescription":         {"MedicationRequest": true, "Medication": true},
	"DischargeSummary":     {"Composition": true, "DocumentReference": true},
	"OPConsultation":       {"Composition": true, "Encounter": true},
	"ImmunizationRecord":   {"Immunization": true},
	"HealthDocumentRecord": {"DocumentReference": true},
	"WellnessRecord":       {"Observation": true},
	"Observation":          {"Observation": true},
	"Condition":            {"Condition": true},
	"Procedure":            {"Procedure": true},
	"MedicationRequest":    {"MedicationRequest": true},
	"AllergyIntolerance":   {"AllergyIntolerance": true},
}

// Resource is the minimal parsed shape of an inbound FHIR resource.
type Resource struct {
	ResourceType string
	ID           string
	Raw          map[string]interface{}
}

// Parse decodes raw JSON into a Resource, requiring resourceType.
func Parse(raw []byte) (*Resource, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("fhir resource: parse: %w", err)
	}
	rt, _ := m["resourceType"].(string)
	if rt == "" {
		return nil, fmt.Errorf("fhir resource: missing resourceType")
	}
	id, _ := m["id"].(string)
	return &Resource{ResourceType: rt, ID: id, Raw: m}, nil
}

// ExpectedForHIType reports whether resourceType is acceptable for the
// given HI type. Unknown HI types accept nothing.
func ExpectedForHIType(hiType, resourceType string) bool {
	allowed, ok := hiTypeResources[hiType]
	if !ok {
		return false
	}
	return allowed[resourceType]
}

// PatientReference extracts the patient reference from the resource's
// subject or patient element, returning the bare id ("Patient/xyz" -> "xyz").
func (r *Resource) PatientReference() string {
	for _, field := range []string{"subject", "patient"} {
		sub, ok := r.Raw[field].(map[string]interface{})
		if !ok {
			continue
		}
		ref, _ := sub["reference"].(string)
		if ref == "" {
			continue
		}
		if !referencePattern.MatchString(ref) {
			return ""
		}
		parts := strings.SplitN(ref, "/", 2)
		if parts[0] != "Patient" {
			return ""
		}
		return parts[1]
	}
	return ""
}

// MatchesPatient reports whether the resource's patient reference matches
// one of the given identifiers. Resources carrying no patient reference at
// all are accepted; a reference to a different patient is not.
func (r *Resource) MatchesPatient(ids ...string) bool {
	ref := r.PatientReference()
	if ref == "" {
		return true
	}
	for _, id := range ids {
		if id != "" && ref == id {
			return true
		}
	}
	return false
}
