// Package iowabusiness loads the Iowa Secretary of State business-entity
// registry into the fact store: companies incorporated in Iowa, their
// home-office geography and their registered agents.
package iowabusiness

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/lexara/sixworker/internal/graph"
	"github.com/lexara/sixworker/internal/loader"
	"github.com/lexara/sixworker/internal/validate"
	"github.com/lexara/sixworker/pkg/textx"
)

// JobType is the registry key this loader serves.
const JobType = "iowa_business"

const (
	defaultSourceName = "Iowa Secretary of State Business Entities"
	defaultSourceType = "iowa_business_registry"
)

// Register binds the loader factory into reg.
func Register(reg *loader.Registry) {
	reg.Register(JobType, func(cfg loader.Config, deps loader.Deps) (loader.Loader, error) {
		return New(cfg, deps)
	})
}

// Loader implements loader.Loader for the business-entity CSV export.
type Loader struct {
	graph      loader.GraphClient
	geo        loader.GeoCache
	log        *slog.Logger
	sourceName string
	sourceType string
}

func New(cfg loader.Config, deps loader.Deps) (*Loader, error) {
	if deps.Graph == nil {
		return nil, fmt.Errorf("op=iowabusiness.new: graph client is required")
	}
	l := &Loader{
		graph:      deps.Graph,
		geo:        deps.GeoCache,
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
	if id := str(raw, "Corp Number"); id != "" {
		return id
	}
	return "unknown"
}

func (l *Loader) Setup(ctx context.Context) error {
	if l.geo == nil {
		l.log.Warn("geographic cache not configured, city lookups will always miss")
	}
	return nil
}

var coordPattern = regexp.MustCompile(`-?\d+\.?\d*`)

// ParseRecord maps the registry CSV columns onto the canonical shape.
// Records without a legal name or corporation type are skipped.
func (l *Loader) ParseRecord(raw loader.Record) (loader.Record, error) {
	legalName := clean(str(raw, "Legal Name"))
	corpType := clean(str(raw, "Corporation Type"))
	if legalName == "" || corpType == "" {
		return nil, nil
	}

	rec := loader.Record{
		"corp_number":    clean(str(raw, "Corp Number")),
		"legal_name":     legalName,
		"corp_type":      corpType,
		"effective_date": clean(str(raw, "Effective Date")),

		"ra_name":     clean(str(raw, "Registered Agent")),
		"ra_address1": clean(str(raw, "RA Address 1")),
		"ra_address2": clean(str(raw, "RA Address 2")),
		"ra_city":     clean(str(raw, "RA City")),
		"ra_state":    clean(str(raw, "RA State")),
		"ra_zip":      clean(str(raw, "RA Zip")),

		"ho_address1": clean(str(raw, "HO Address 1")),
		"ho_address2": clean(str(raw, "HO Address 2")),
		"ho_city":     clean(str(raw, "HO City")),
		"ho_state":    clean(str(raw, "HO State")),
		"ho_zip":      clean(str(raw, "HO Zip")),
		"ho_country":  clean(str(raw, "HO Country")),
	}

	// WKT point from the registry's location column, e.g. POINT(-93.6 41.6).
	if loc := str(raw, "HO Location"); strings.Contains(loc, "POINT") {
		if nums := coordPattern.FindAllString(loc, 2); len(nums) == 2 {
			var lon, lat float64
			if _, err := fmt.Sscanf(nums[0], "%f", &lon); err == nil {
				if _, err := fmt.Sscanf(nums[1], "%f", &lat); err == nil {
					rec["ho_coordinates"] = map[string]any{
						"type":        "Point",
						"coordinates": []any{lon, lat},
					}
				}
			}
		}
	}
	return rec, nil
}

func (l *Loader) ValidateRecord(rec loader.Record) []string {
	var errs []string

	errs = append(errs, validate.Name(str(rec, "legal_name"), "legal_name")...)
	if str(rec, "corp_type") == "" {
		errs = append(errs, "missing corporation type")
	}
	if d := str(rec, "effective_date"); d != "" {
		errs = append(errs, validate.Date(d, "effective_date")...)
	}
	if s := str(rec, "ra_state"); s != "" {
		errs = append(errs, validate.State(s)...)
	}
	if z := str(rec, "ra_zip"); z != "" {
		errs = append(errs, validate.ZipCode(z)...)
	}
	return errs
}

// ProcessRecord proposes the company fact, geographic when the home office
// carries city and state, plus the registered-agent relationship.
func (l *Loader) ProcessRecord(ctx context.Context, rec loader.Record) (loader.ProcessResult, error) {
	var result loader.ProcessResult

	if str(rec, "ho_city") != "" && str(rec, "ho_state") != "" {
		resp := l.proposeGeographicCompany(ctx, rec)
		result.Responses = append(result.Responses, resp)
		if resp.Success {
			result.EntitiesCreated++
			// Company->Address and Address->City.
			result.RelationshipsCreated += 2
		}
	} else {
		resp := l.proposeIncorporation(ctx, rec)
		result.Responses = append(result.Responses, resp)
		if resp.Success {
			result.EntitiesCreated++
			result.RelationshipsCreated++
		}
	}

	if str(rec, "ra_name") != "" {
		resp := l.proposeRegisteredAgent(ctx, rec)
		result.Responses = append(result.Responses, resp)
		if resp.Success {
			result.EntitiesCreated++
			result.RelationshipsCreated++
		}
	}
	return result, nil
}

func (l *Loader) ReadBatches(ctx context.Context, path string, batchSize, startFrom int, emit func(batch []loader.Record) error) error {
	return loader.ReadCSVBatches(ctx, path, batchSize, startFrom, emit)
}

func (l *Loader) proposeGeographicCompany(ctx context.Context, rec loader.Record) graph.ProposeResponse {
	city := str(rec, "ho_city")

	var cacheHit bool
	if l.geo != nil {
		_, cacheHit = l.geo.City(city)
	}

	var coords map[string]any
	if c, ok := rec["ho_coordinates"].(map[string]any); ok {
		coords = c
	}

	resp, err := l.graph.ProposeGeographicFact(ctx, graph.GeographicFact{
		Entity:      graph.Entity{Type: graph.NodeCompany, Name: str(rec, "legal_name")},
		City:        city,
		Address:     joinParts(str(rec, "ho_address1"), str(rec, "ho_address2")),
		Coordinates: coords,
		SourceInfo:  l.sourceInfo(),
	})
	if err != nil {
		l.log.Error("geographic propose error", slog.Any("error", err))
		return graph.ProposeResponse{Success: false, Status: graph.StatusError, ErrorMessage: err.Error()}
	}

	// The store may have created the city; pull its id into the cache.
	if resp.Success && !cacheHit && l.geo != nil {
		if err := l.geo.RefreshCity(ctx, city); err != nil {
			l.log.Debug("city cache refresh missed", slog.String("city", city), slog.Any("error", err))
		}
	}
	return resp
}

func (l *Loader) proposeIncorporation(ctx context.Context, rec loader.Record) graph.ProposeResponse {
	attrs := map[string]string{
		"iowa_business_id": str(rec, "corp_number"),
		"iowa_corp_number": str(rec, "corp_number"),
		"entity_type":      str(rec, "corp_type"),
	}
	if d := str(rec, "effective_date"); d != "" {
		attrs["incorporation_date"] = d
	}

	resp, err := l.graph.ProposeFact(ctx, graph.Fact{
		Source:               graph.Entity{Type: graph.NodeCompany, Name: str(rec, "legal_name")},
		Target:               graph.Entity{Type: graph.NodeState, Name: "Iowa"},
		Relationship:         graph.RelIncorporatedIn,
		SourceInfo:           l.sourceInfo(),
		SourceAttributes:     attrs,
		RelationshipStrength: 0.98,
		ProvenanceConfidence: 0.92,
	})
	if err != nil {
		return graph.ProposeResponse{Success: false, Status: graph.StatusError, ErrorMessage: err.Error()}
	}
	return resp
}

// businessSuffixes classify a registered agent as a company rather than a
// person.
var businessSuffixes = map[string]struct{}{
	"LLC": {}, "INC": {}, "CORP": {}, "LTD": {}, "CO": {},
	"COMPANY": {}, "CORPORATION": {},
}

// IsBusinessName reports whether any token of name is a corporate suffix.
func IsBusinessName(name string) bool {
	tokens := strings.FieldsFunc(strings.ToUpper(name), func(r rune) bool {
		return !('A' <= r && r <= 'Z')
	})
	for _, tok := range tokens {
		if _, ok := businessSuffixes[tok]; ok {
			return true
		}
	}
	return false
}

func (l *Loader) proposeRegisteredAgent(ctx context.Context, rec loader.Record) graph.ProposeResponse {
	name := str(rec, "ra_name")

	attrs := map[string]string{"role": "Registered Agent"}
	if addr := joinParts(str(rec, "ra_address1"), str(rec, "ra_address2")); addr != "" {
		attrs["address"] = addr
	}
	if loc := joinParts(str(rec, "ra_city"), str(rec, "ra_state"), str(rec, "ra_zip")); loc != "" {
		attrs["location"] = loc
	}

	agentType := graph.NodePerson
	if IsBusinessName(name) {
		agentType = graph.NodeCompany
	}

	resp, err := l.graph.ProposeFact(ctx, graph.Fact{
		Source:               graph.Entity{Type: agentType, Name: name},
		Target:               graph.Entity{Type: graph.NodeCompany, Name: str(rec, "legal_name")},
		Relationship:         graph.RelRegisteredAgent,
		SourceInfo:           l.sourceInfo(),
		SourceAttributes:     attrs,
		RelationshipStrength: 0.95,
		RelationshipMetadata: map[string]any{"corp_number": str(rec, "corp_number")},
		ProvenanceConfidence: 0.92,
	})
	if err != nil {
		return graph.ProposeResponse{Success: false, Status: graph.StatusError, ErrorMessage: err.Error()}
	}
	return resp
}

func (l *Loader) sourceInfo() graph.SourceInfo {
	return graph.SourceInfo{Name: l.sourceName, Type: l.sourceType}
}

func str(rec loader.Record, key string) string {
	if v, ok := rec[key].(string); ok {
		return v
	}
	return ""
}

func clean(s string) string {
	s = strings.ReplaceAll(s, `"`, "")
	s = strings.ReplaceAll(s, "'", "")
	return textx.CollapseSpaces(s)
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
