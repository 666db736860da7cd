package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
)

// Querier is the minimal pgx surface the client needs, kept small for easy
// testing with fakes.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Entity is a (type, name) pair identifying a node in the fact store.
type Entity struct {
	Type NodeType
	Name string
}

// SourceInfo names the dataset a fact came from.
type SourceInfo struct {
	Name string
	Type string
}

// Fact is one proposed assertion: source and target entities joined by a
// relationship, with provenance.
type Fact struct {
	Source       Entity
	Target       Entity
	Relationship RelationshipType
	SourceInfo   SourceInfo

	SourceAttributes map[string]string
	TargetAttributes map[string]string

	RelationshipStrength float64
	ValidFrom            *time.Time
	ValidTo              *time.Time
	RelationshipMetadata map[string]any

	ProvenanceConfidence float64
	ProvenanceMetadata   map[string]any
}

// ProposeResponse is the shaped result of one propose_fact call.
// Status "conflicts" still counts as success; the store recorded the fact
// and reported the adversarial relationships it coexists with.
type ProposeResponse struct {
	Success           bool             `json:"success"`
	Status            string           `json:"status"`
	OverallConfidence float64          `json:"overall_confidence"`
	Actions           []map[string]any `json:"actions,omitempty"`
	Conflicts         []map[string]any `json:"conflicts,omitempty"`
	ProvenanceIDs     []string         `json:"provenance_ids,omitempty"`
	ErrorMessage      string           `json:"error_message,omitempty"`
}

// Propose statuses as returned by the store.
const (
	StatusSuccess   = "success"
	StatusConflicts = "conflicts"
	StatusError     = "error"
)

// ProvenanceRecord is one provenance row for an entity.
type ProvenanceRecord struct {
	ProvenanceID      string         `json:"provenance_id"`
	AssetID           string         `json:"asset_id"`
	AssetType         string         `json:"asset_type"`
	SourceName        string         `json:"source_name"`
	SourceType        string         `json:"source_type"`
	SourceDescription string         `json:"source_description,omitempty"`
	Confidence        float64        `json:"confidence"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// RelationshipConflict is a legal-counsel / opposing-counsel pair coexisting
// between the same two entities.
type RelationshipConflict struct {
	Rel1Type     RelationshipType `json:"rel1_type"`
	Rel2Type     RelationshipType `json:"rel2_type"`
	Rel1Strength float64          `json:"rel1_strength"`
	Rel2Strength float64          `json:"rel2_strength"`
	Rel1Created  time.Time        `json:"rel1_created"`
	Rel2Created  time.Time        `json:"rel2_created"`
}

// Client calls the fact store's propose_fact function and auxiliary reads.
type Client struct {
	q   Querier
	log *slog.Logger
}

// NewClient constructs a propose-fact client over the given querier.
func NewClient(q Querier, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{q: q, log: log}
}

// errorResponse builds a synthetic failed response without a store round trip.
func errorResponse(format string, args ...any) ProposeResponse {
	return ProposeResponse{
		Success:      false,
		Status:       StatusError,
		ErrorMessage: fmt.Sprintf(format, args...),
	}
}

// validate checks the fact against the local taxonomy.
func (f Fact) validate() *ProposeResponse {
	if !ValidRelationshipType(string(f.Relationship)) {
		r := errorResponse("invalid relationship type: %q", f.Relationship)
		return &r
	}
	if !ValidNodeType(string(f.Source.Type)) {
		r := errorResponse("invalid source node type: %q", f.Source.Type)
		return &r
	}
	if !ValidNodeType(string(f.Target.Type)) {
		r := errorResponse("invalid target node type: %q", f.Target.Type)
		return &r
	}
	return nil
}

// formatAttributes converts an attribute map into the store's JSONB array of
// {type, value} objects. An empty map marshals to "[]".
func formatAttributes(attrs map[string]string) string {
	if len(attrs) == 0 {
		return "[]"
	}
	type attr struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	}
	out := make([]attr, 0, len(attrs))
	for k, v := range attrs {
		out = append(out, attr{Type: k, Value: v})
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func marshalMeta(m map[string]any) *string {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	s := string(b)
	return &s
}

const proposeFactSQL = `SELECT status, overall_confidence, actions, conflicts, provenance_ids
FROM propose_fact(
    $1, $2,
    $3, $4,
    $5,
    $6, $7,
    $8::JSONB, $9::JSONB,
    $10,
    $11, $12,
    $13::JSONB,
    $14,
    $15::JSONB
)`

// ProposeFact proposes one fact to the store. Taxonomy violations return a
// synthetic error response with a nil error; transport failures return a
// non-nil error so retry wrappers can distinguish them.
func (c *Client) ProposeFact(ctx context.Context, f Fact) (ProposeResponse, error) {
	tracer := otel.Tracer("graph.client")
	ctx, span := tracer.Start(ctx, "graph.ProposeFact")
	defer span.End()

	if resp := f.validate(); resp != nil {
		return *resp, nil
	}

	strength := f.RelationshipStrength
	if strength == 0 {
		strength = 1.0
	}
	confidence := f.ProvenanceConfidence
	if confidence == 0 {
		confidence = 0.9
	}

	row := c.q.QueryRow(ctx, proposeFactSQL,
		string(f.Source.Type), f.Source.Name,
		string(f.Target.Type), f.Target.Name,
		string(f.Relationship),
		f.SourceInfo.Name, f.SourceInfo.Type,
		formatAttributes(f.SourceAttributes),
		formatAttributes(f.TargetAttributes),
		strength,
		f.ValidFrom, f.ValidTo,
		marshalMeta(f.RelationshipMetadata),
		confidence,
		marshalMeta(f.ProvenanceMetadata),
	)

	var (
		status     string
		overall    float64
		actionsB   []byte
		conflictsB []byte
		provB      []byte
	)
	if err := row.Scan(&status, &overall, &actionsB, &conflictsB, &provB); err != nil {
		if err == pgx.ErrNoRows {
			return errorResponse("no response from store"), nil
		}
		return ProposeResponse{}, fmt.Errorf("op=graph.propose_fact: %w", err)
	}

	resp := ProposeResponse{
		Success:           status == StatusSuccess || status == StatusConflicts,
		Status:            status,
		OverallConfidence: overall,
	}
	if len(actionsB) > 0 {
		_ = json.Unmarshal(actionsB, &resp.Actions)
	}
	if len(conflictsB) > 0 {
		_ = json.Unmarshal(conflictsB, &resp.Conflicts)
	}
	if len(provB) > 0 {
		_ = json.Unmarshal(provB, &resp.ProvenanceIDs)
	}
	if status == StatusError && len(resp.Actions) > 0 {
		if msg, ok := resp.Actions[0]["error"].(string); ok {
			resp.ErrorMessage = msg
		} else if msg, ok := resp.Actions[0]["message"].(string); ok {
			resp.ErrorMessage = msg
		}
	}
	return resp, nil
}

// GeographicFact proposes an entity anchored into the city hierarchy:
// entity, its address and the address-to-city chain in one store call.
type GeographicFact struct {
	Entity      Entity
	City        string
	Address     string
	Coordinates map[string]any
	SourceInfo  SourceInfo
}

const proposeGeographicSQL = `SELECT propose_geographic_fact($1, $2, $3, $4, $5, $6::JSONB, $7, $8)`

// ProposeGeographicFact proposes gf through the store's geographic path.
// A NULL store result becomes a synthetic error response with a nil error.
func (c *Client) ProposeGeographicFact(ctx context.Context, gf GeographicFact) (ProposeResponse, error) {
	tracer := otel.Tracer("graph.client")
	ctx, span := tracer.Start(ctx, "graph.ProposeGeographicFact")
	defer span.End()

	if !ValidNodeType(string(gf.Entity.Type)) {
		return errorResponse("invalid entity node type: %q", gf.Entity.Type), nil
	}
	if gf.City == "" {
		return errorResponse("geographic fact requires a city"), nil
	}

	var address *string
	if gf.Address != "" {
		address = &gf.Address
	}

	row := c.q.QueryRow(ctx, proposeGeographicSQL,
		gf.Entity.Name, string(gf.Entity.Type),
		gf.City, string(NodeCity),
		address,
		marshalMeta(gf.Coordinates),
		gf.SourceInfo.Name, gf.SourceInfo.Type,
	)

	var result []byte
	if err := row.Scan(&result); err != nil {
		if err == pgx.ErrNoRows {
			return errorResponse("no result from geographic propose"), nil
		}
		return ProposeResponse{}, fmt.Errorf("op=graph.propose_geographic_fact: %w", err)
	}
	if len(result) == 0 {
		return errorResponse("no result from geographic propose"), nil
	}
	return ProposeResponse{Success: true, Status: StatusSuccess, OverallConfidence: 0.95}, nil
}

// BatchProposeFacts proposes facts in order and returns one response per
// fact. A failure in one fact never aborts the batch.
func (c *Client) BatchProposeFacts(ctx context.Context, facts []Fact) []ProposeResponse {
	out := make([]ProposeResponse, 0, len(facts))
	for i, f := range facts {
		resp, err := c.ProposeFact(ctx, f)
		if err != nil {
			resp = errorResponse("processing error: %v", err)
		}
		out = append(out, resp)
		if (i+1)%100 == 0 {
			c.log.Info("batch propose progress", slog.Int("processed", i+1), slog.Int("total", len(facts)))
		}
	}
	return out
}

const entityProvenanceSQL = `SELECT p.provenance_id, p.asset_id, p.asset_type, p.source_name, p.source_type,
       COALESCE(st.description, ''), p.confidence, p.metadata, p.created_at
FROM provenance p
LEFT JOIN source_types st ON p.source_type = st.source_type
WHERE p.asset_id = $1 AND p.asset_type = 'node'
ORDER BY p.created_at DESC`

// EntityProvenance returns provenance rows for an entity, newest first.
func (c *Client) EntityProvenance(ctx context.Context, entityID string) ([]ProvenanceRecord, error) {
	tracer := otel.Tracer("graph.client")
	ctx, span := tracer.Start(ctx, "graph.EntityProvenance")
	defer span.End()

	rows, err := c.q.Query(ctx, entityProvenanceSQL, entityID)
	if err != nil {
		return nil, fmt.Errorf("op=graph.entity_provenance: %w", err)
	}
	defer rows.Close()

	var out []ProvenanceRecord
	for rows.Next() {
		var r ProvenanceRecord
		var metaB []byte
		if err := rows.Scan(&r.ProvenanceID, &r.AssetID, &r.AssetType, &r.SourceName, &r.SourceType,
			&r.SourceDescription, &r.Confidence, &metaB, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=graph.entity_provenance: %w", err)
		}
		if len(metaB) > 0 {
			_ = json.Unmarshal(metaB, &r.Metadata)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=graph.entity_provenance: %w", err)
	}
	return out, nil
}

const relationshipConflictsSQL = `SELECT r1.relationship_type, r2.relationship_type,
       r1.strength, r2.strength, r1.created_at, r2.created_at
FROM relationships r1
JOIN relationships r2 ON (
    (r1.source_node_id = r2.source_node_id AND r1.target_node_id = r2.target_node_id) OR
    (r1.source_node_id = r2.target_node_id AND r1.target_node_id = r2.source_node_id)
)
WHERE r1.relationship_id != r2.relationship_id
  AND ((r1.source_node_id = $1 AND r1.target_node_id = $2) OR
       (r1.source_node_id = $2 AND r1.target_node_id = $1))
  AND r1.status = 'active' AND r2.status = 'active'
  AND (
      (r1.relationship_type = 'Legal_Counsel' AND r2.relationship_type = 'Opposing_Counsel') OR
      (r1.relationship_type = 'Opposing_Counsel' AND r2.relationship_type = 'Legal_Counsel')
  )`

// RelationshipConflicts returns rows where a legal-counsel and
// opposing-counsel edge coexist between the same two entities.
func (c *Client) RelationshipConflicts(ctx context.Context, entity1ID, entity2ID string) ([]RelationshipConflict, error) {
	tracer := otel.Tracer("graph.client")
	ctx, span := tracer.Start(ctx, "graph.RelationshipConflicts")
	defer span.End()

	rows, err := c.q.Query(ctx, relationshipConflictsSQL, entity1ID, entity2ID)
	if err != nil {
		return nil, fmt.Errorf("op=graph.relationship_conflicts: %w", err)
	}
	defer rows.Close()

	var out []RelationshipConflict
	for rows.Next() {
		var rc RelationshipConflict
		if err := rows.Scan(&rc.Rel1Type, &rc.Rel2Type, &rc.Rel1Strength, &rc.Rel2Strength,
			&rc.Rel1Created, &rc.Rel2Created); err != nil {
			return nil, fmt.Errorf("op=graph.relationship_conflicts: %w", err)
		}
		out = append(out, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=graph.relationship_conflicts: %w", err)
	}
	return out, nil
}
