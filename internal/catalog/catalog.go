package catalog

import (
	"fmt"
	"strings"

	"github.com/crmsync/batch-engine/internal/domain"
)

// Catalog exposes the updatable fields per record type.
type Catalog interface {
	ListUpdatableFields(recordType string) ([]domain.FieldDefinition, error)
	Field(recordType, name string) (domain.FieldDefinition, error)
	CriticalFields(recordType string) []string
}

// StaticCatalog is an in-memory catalog seeded with the CRM's standard
// record types. Field sets are fixed at construction.
type StaticCatalog struct {
	fields map[string][]domain.FieldDefinition
}

var _ Catalog = (*StaticCatalog)(nil)

// NewStaticCatalog builds the default catalog for opportunity, contact
// and account records.
func NewStaticCatalog() *StaticCatalog {
	return &StaticCatalog{
		fields: map[string][]domain.FieldDefinition{
			"opportunity": {
				{Name: "Name", Type: domain.FieldTypeText, Required: true},
				{Name: "Stage", Type: domain.FieldTypeEnum, Required: true, Critical: true,
					EnumValues: []string{"Prospecting", "Qualification", "Proposal", "Negotiation", "Closed Won", "Closed Lost"}},
				{Name: "Amount", Type: domain.FieldTypeNumber, Critical: true},
				{Name: "Probability", Type: domain.FieldTypeNumber},
				{Name: "CloseDate", Type: domain.FieldTypeDate},
				{Name: "NextStep", Type: domain.FieldTypeText},
				{Name: "CreatedDate", Type: domain.FieldTypeDate, ReadOnly: true},
			},
			"contact": {
				{Name: "FirstName", Type: domain.FieldTypeText},
				{Name: "LastName", Type: domain.FieldTypeText, Required: true},
				{Name: "Email", Type: domain.FieldTypeText},
				{Name: "Phone", Type: domain.FieldTypeText},
				{Name: "DoNotContact", Type: domain.FieldTypeBoolean},
				{Name: "LeadSource", Type: domain.FieldTypeEnum,
					EnumValues: []string{"Web", "Referral", "Event", "Cold Call", "Partner"}},
				{Name: "CreatedDate", Type: domain.FieldTypeDate, ReadOnly: true},
			},
			"account": {
				{Name: "Name", Type: domain.FieldTypeText, Required: true},
				{Name: "Industry", Type: domain.FieldTypeEnum,
					EnumValues: []string{"Technology", "Finance", "Healthcare", "Manufacturing", "Retail", "Other"}},
				{Name: "AnnualRevenue", Type: domain.FieldTypeNumber, Critical: true},
				{Name: "NumberOfEmployees", Type: domain.FieldTypeNumber},
				{Name: "IsActive", Type: domain.FieldTypeBoolean},
				{Name: "CreatedDate", Type: domain.FieldTypeDate, ReadOnly: true},
			},
		},
	}
}

func (c *StaticCatalog) ListUpdatableFields(recordType string) ([]domain.FieldDefinition, error) {
	defs, err := c.recordTypeFields(recordType)
	if err != nil {
		return nil, err
	}

	updatable := make([]domain.FieldDefinition, 0, len(defs))
	for _, def := range defs {
		if def.ReadOnly {
			continue
		}
		updatable = append(updatable, def)
	}
	return updatable, nil
}

func (c *StaticCatalog) Field(recordType, name string) (domain.FieldDefinition, error) {
	defs, err := c.recordTypeFields(recordType)
	if err != nil {
		return domain.FieldDefinition{}, err
	}

	for _, def := range defs {
		if def.Name == name {
			return def, nil
		}
	}
	return domain.FieldDefinition{}, fmt.Errorf("%w: record type %q has no field %q", domain.ErrValidation, recordType, name)
}

// CriticalFields returns the names of monetary/stage-defining fields for
// a record type; unknown types yield an empty set.
func (c *StaticCatalog) CriticalFields(recordType string) []string {
	defs, err := c.recordTypeFields(recordType)
	if err != nil {
		return nil
	}

	names := make([]string, 0, 2)
	for _, def := range defs {
		if def.Critical {
			names = append(names, def.Name)
		}
	}
	return names
}

func (c *StaticCatalog) recordTypeFields(recordType string) ([]domain.FieldDefinition, error) {
	normalized := strings.ToLower(strings.TrimSpace(recordType))
	defs, ok := c.fields[normalized]
	if !ok {
		return nil, fmt.Errorf("%w: unknown record type %q", domain.ErrValidation, recordType)
	}
	return defs, nil
}
