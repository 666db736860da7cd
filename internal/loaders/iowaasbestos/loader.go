// Package iowaasbestos loads Iowa asbestos license records: licensed
// persons tied to the State of Iowa with license attributes, and their
// business county when present.
package iowaasbestos

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/lexara/sixworker/internal/graph"
	"github.com/lexara/sixworker/internal/loader"
	"github.com/lexara/sixworker/internal/validate"
)

// JobType is the registry key this loader serves.
const JobType = "iowa_asbestos"

const (
	defaultSourceName = "Iowa DNR Asbestos Licenses"
	defaultSourceType = "iowa_asbestos_licenses"
)

// knownLicenseTypes are the categories the dataset carries. Unknown types
// log a warning but do not fail validation.
var knownLicenseTypes = map[string]struct{}{
	"Worker": {}, "Inspector": {}, "Contractor/Supervisor": {},
	"Management Planner": {}, "Project Designer": {},
}

func Register(reg *loader.Registry) {
	reg.Register(JobType, func(cfg loader.Config, deps loader.Deps) (loader.Loader, error) {
		return New(cfg, deps)
	})
}

// Loader implements loader.Loader for the license CSV export and the JSON
// API dump, which carry the same fields under different column names.
type Loader struct {
	graph      loader.GraphClient
	log        *slog.Logger
	sourceName string
	sourceType string
}

func New(cfg loader.Config, deps loader.Deps) (*Loader, error) {
	if deps.Graph == nil {
		return nil, fmt.Errorf("op=iowaasbestos.new: graph client is required")
	}
	l := &Loader{
		graph:      deps.Graph,
		log:        deps.Log,
		sourceName: cfg.SourceName,
		sourceType: cfg.SourceType,
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
	return l, nil
}

func (l *Loader) SourceType() string { return JobType }
func (l *Loader) SourceName() string { return l.sourceName }

func (l *Loader) RecordID(raw loader.Record) string {
	for _, key := range []string{"FolderRSN", "folderrsn"} {
		if id := str(raw, key); id != "" {
			return id
		}
	}
	return "unknown"
}

func (l *Loader) Setup(ctx context.Context) error { return nil }

// ParseRecord accepts both the CSV export columns and the API's lowercase
// JSON keys. Records without both first and last name are skipped.
func (l *Loader) ParseRecord(raw loader.Record) (loader.Record, error) {
	pick := func(jsonKey, csvKey string) string {
		if _, isJSON := raw["folderrsn"]; isJSON {
			return clean(str(raw, jsonKey))
		}
		return clean(str(raw, csvKey))
	}

	first := pick("first_name", "First Name")
	last := pick("last_name", "Last Name")
	if first == "" || last == "" {
		return nil, nil
	}

	return loader.Record{
		"folder_rsn":          pick("folderrsn", "FolderRSN"),
		"registration_number": pick("registration_number", "Registration Number"),
		"license_type":        pick("license_type", "License Type"),
		"first_name":          first,
		"last_name":           last,
		"full_name":           strings.ToUpper(first + " " + last),
		"county":              pick("county", "County"),
		"issue_date":          normalizeDate(pick("issue_date", "Issue Date")),
		"expire_date":         normalizeDate(pick("expire_date", "Expire Date")),
	}, nil
}

// normalizeDate reduces ISO timestamps and MM/DD/YYYY dates to YYYY-MM-DD,
// keeping unparseable input as-is for validation to flag.
func normalizeDate(s string) string {
	if s == "" {
		return ""
	}
	if i := strings.IndexByte(s, 'T'); i > 0 {
		return s[:i]
	}
	if strings.Contains(s, "/") {
		if t, err := time.Parse("01/02/2006", s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return s
}

func (l *Loader) ValidateRecord(rec loader.Record) []string {
	var errs []string

	if str(rec, "full_name") == "" {
		errs = append(errs, "missing person name")
	}
	lt := str(rec, "license_type")
	if lt == "" {
		errs = append(errs, "missing license type")
	} else if _, ok := knownLicenseTypes[lt]; !ok {
		l.log.Warn("unknown license type", slog.String("license_type", lt))
	}

	errs = append(errs, validate.Date(str(rec, "issue_date"), "issue_date")...)
	errs = append(errs, validate.Date(str(rec, "expire_date"), "expire_date")...)
	return errs
}

// ProcessRecord proposes the licensed person and, when a county is named,
// their business-county location.
func (l *Loader) ProcessRecord(ctx context.Context, rec loader.Record) (loader.ProcessResult, error) {
	var result loader.ProcessResult

	person := l.proposeLicensedPerson(ctx, rec)
	result.Responses = append(result.Responses, person)
	if person.Success {
		result.EntitiesCreated++
		result.RelationshipsCreated++

		if str(rec, "county") != "" {
			location := l.proposeCountyLocation(ctx, rec)
			result.Responses = append(result.Responses, location)
			if location.Success {
				result.RelationshipsCreated++
			}
		}
	}
	return result, nil
}

// ReadBatches dispatches on file extension: the dataset ships as both a
// CSV export and a JSON API dump.
func (l *Loader) ReadBatches(ctx context.Context, path string, batchSize, startFrom int, emit func(batch []loader.Record) error) error {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return loader.ReadJSONBatches(ctx, path, batchSize, startFrom, emit)
	}
	return loader.ReadCSVBatches(ctx, path, batchSize, startFrom, emit)
}

func (l *Loader) proposeLicensedPerson(ctx context.Context, rec loader.Record) graph.ProposeResponse {
	attrs := map[string]string{
		"asbestos_license_type":        str(rec, "license_type"),
		"asbestos_registration_number": str(rec, "registration_number"),
		"license_status":               "Active",
		"professional_license":         "Iowa Asbestos License",
	}
	if d := str(rec, "issue_date"); d != "" {
		attrs["license_issue_date"] = d
	}
	if d := str(rec, "expire_date"); d != "" {
		attrs["license_expire_date"] = d
	}
	if rsn := str(rec, "folder_rsn"); rsn != "" {
		attrs["iowa_folder_rsn"] = rsn
	}

	resp, err := l.graph.ProposeFact(ctx, graph.Fact{
		Source:               graph.Entity{Type: graph.NodePerson, Name: str(rec, "full_name")},
		Target:               graph.Entity{Type: graph.NodeState, Name: "Iowa"},
		Relationship:         graph.RelIncorporatedIn,
		SourceInfo:           graph.SourceInfo{Name: l.sourceName, Type: l.sourceType},
		SourceAttributes:     attrs,
		RelationshipStrength: 0.95,
		ValidFrom:            parseDate(str(rec, "issue_date")),
		ValidTo:              parseDate(str(rec, "expire_date")),
		RelationshipMetadata: map[string]any{
			"license_type":        "Asbestos",
			"license_category":    str(rec, "license_type"),
			"registration_number": str(rec, "registration_number"),
		},
		ProvenanceConfidence: 0.95,
	})
	if err != nil {
		l.log.Error("propose licensed person failed",
			slog.String("person", str(rec, "full_name")),
			slog.Any("error", err),
		)
		return graph.ProposeResponse{Success: false, Status: graph.StatusError, ErrorMessage: err.Error()}
	}
	return resp
}

func (l *Loader) proposeCountyLocation(ctx context.Context, rec loader.Record) graph.ProposeResponse {
	county := str(rec, "county")
	if !strings.HasSuffix(county, "County") {
		county += " County"
	}

	resp, err := l.graph.ProposeFact(ctx, graph.Fact{
		Source:       graph.Entity{Type: graph.NodePerson, Name: str(rec, "full_name")},
		Target:       graph.Entity{Type: graph.NodeCounty, Name: county},
		Relationship: graph.RelLocatedIn,
		SourceInfo:   graph.SourceInfo{Name: l.sourceName, Type: l.sourceType},
		// County may be a business rather than home location.
		RelationshipStrength: 0.85,
		RelationshipMetadata: map[string]any{
			"location_type": "business_county",
			"source_field":  "county",
		},
		ProvenanceConfidence: 0.95,
	})
	if err != nil {
		return graph.ProposeResponse{Success: false, Status: graph.StatusError, ErrorMessage: err.Error()}
	}
	return resp
}

func parseDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil
	}
	return &t
}

func str(rec loader.Record, key string) string {
	if v, ok := rec[key].(string); ok {
		return v
	}
	return ""
}

func clean(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, `"`, "")
	s = strings.ReplaceAll(s, "'", "")
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "null") {
		return ""
	}
	return s
}
