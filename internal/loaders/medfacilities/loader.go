// Package medfacilities loads the CMS Provider of Services file:
// nationwide medical facilities located in their states.
package medfacilities

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lexara/sixworker/internal/graph"
	"github.com/lexara/sixworker/internal/loader"
	"github.com/lexara/sixworker/internal/validate"
)

// JobType is the registry key this loader serves.
const JobType = "medical_facilities"

const (
	defaultSourceName = "CMS Provider of Services"
	defaultSourceType = "cms_provider_of_services"
)

// defaultFieldMapping names the POS file's columns for each canonical field.
var defaultFieldMapping = map[string]string{
	"business_name":  "FAC_NAME",
	"street_address": "ST_ADR",
	"city":           "CITY_NAME",
	"state":          "STATE_CD",
	"zip_code":       "ZIP_CD",
}

func Register(reg *loader.Registry) {
	reg.Register(JobType, func(cfg loader.Config, deps loader.Deps) (loader.Loader, error) {
		return New(cfg, deps)
	})
}

// Loader implements loader.Loader for the POS CSV. The column mapping is
// configurable since CMS renames columns across vintages.
type Loader struct {
	graph      loader.GraphClient
	log        *slog.Logger
	sourceName string
	sourceType string
	fields     map[string]string
}

func New(cfg loader.Config, deps loader.Deps) (*Loader, error) {
	if deps.Graph == nil {
		return nil, fmt.Errorf("op=medfacilities.new: graph client is required")
	}
	l := &Loader{
		graph:      deps.Graph,
		log:        deps.Log,
		sourceName: cfg.SourceName,
		sourceType: cfg.SourceType,
		fields:     make(map[string]string, len(defaultFieldMapping)),
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	if l.sourceName == "" {
		l.sourceName = defaultSourceName
	}
	if l.sourceType == "" {
		l.sourceType = defaultSourceType
	}
	for field, column := range defaultFieldMapping {
		l.fields[field] = column
	}
	for field, column := range cfg.FieldMapping {
		l.fields[field] = column
	}
	return l, nil
}

func (l *Loader) SourceType() string { return JobType }
func (l *Loader) SourceName() string { return l.sourceName }

func (l *Loader) RecordID(raw loader.Record) string {
	if name := l.column(raw, "business_name"); name != "" {
		return name
	}
	return "unknown"
}

func (l *Loader) Setup(ctx context.Context) error { return nil }

// ParseRecord maps the configured columns. Facilities without a name, city
// or state are skipped.
func (l *Loader) ParseRecord(raw loader.Record) (loader.Record, error) {
	name := l.column(raw, "business_name")
	city := l.column(raw, "city")
	state := l.column(raw, "state")
	if name == "" || city == "" || state == "" {
		return nil, nil
	}

	street := l.column(raw, "street_address")
	zip := l.column(raw, "zip_code")

	return loader.Record{
		"facility_name":  name,
		"street_address": street,
		"city":           city,
		"state":          state,
		"zip_code":       zip,
		"full_address":   joinParts(street, city, state, zip),
	}, nil
}

func (l *Loader) ValidateRecord(rec loader.Record) []string {
	var errs []string
	errs = append(errs, validate.Name(str(rec, "facility_name"), "facility_name")...)
	errs = append(errs, validate.AddressFields(validate.Address{
		Street: str(rec, "street_address"),
		City:   str(rec, "city"),
		State:  str(rec, "state"),
		Zip:    str(rec, "zip_code"),
	})...)
	return errs
}

// ProcessRecord proposes the facility located in its state.
func (l *Loader) ProcessRecord(ctx context.Context, rec loader.Record) (loader.ProcessResult, error) {
	attrs := map[string]string{
		"name":    str(rec, "facility_name"),
		"address": str(rec, "full_address"),
	}
	if s := str(rec, "street_address"); s != "" {
		attrs["street_address"] = s
	}
	if z := str(rec, "zip_code"); z != "" {
		attrs["zip_code"] = z
	}

	resp, err := l.graph.ProposeFact(ctx, graph.Fact{
		Source:               graph.Entity{Type: graph.NodeMedicalFacility, Name: str(rec, "facility_name")},
		Target:               graph.Entity{Type: graph.NodeState, Name: str(rec, "state")},
		Relationship:         graph.RelLocatedIn,
		SourceInfo:           graph.SourceInfo{Name: l.sourceName, Type: l.sourceType},
		SourceAttributes:     attrs,
		RelationshipStrength: 0.95,
		ProvenanceConfidence: 0.90,
	})
	if err != nil {
		l.log.Error("propose facility failed",
			slog.String("facility", str(rec, "facility_name")),
			slog.Any("error", err),
		)
		return loader.ProcessResult{Responses: []graph.ProposeResponse{{
			Success: false, Status: graph.StatusError, ErrorMessage: err.Error(),
		}}}, nil
	}

	result := loader.ProcessResult{Responses: []graph.ProposeResponse{resp}}
	if resp.Success {
		result.EntitiesCreated++
		result.RelationshipsCreated++
	}
	return result, nil
}

func (l *Loader) ReadBatches(ctx context.Context, path string, batchSize, startFrom int, emit func(batch []loader.Record) error) error {
	return loader.ReadCSVBatches(ctx, path, batchSize, startFrom, emit)
}

func (l *Loader) column(raw loader.Record, field string) string {
	return strings.TrimSpace(str(raw, l.fields[field]))
}

func str(rec loader.Record, key string) string {
	if v, ok := rec[key].(string); ok {
		return v
	}
	return ""
}

func joinParts(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ", ")
}
