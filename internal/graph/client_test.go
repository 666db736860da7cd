package graph_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexara/sixworker/internal/graph"
)

// rowStub implements pgx.Row.
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// querierStub implements graph.Querier and records the last call.
type querierStub struct {
	row      rowStub
	rows     pgx.Rows
	queryErr error
	lastSQL  string
	lastArgs []any
}

func (q *querierStub) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (q *querierStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	q.lastSQL = sql
	q.lastArgs = args
	if q.row.scan == nil {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	return q.row
}

func (q *querierStub) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	q.lastSQL = sql
	q.lastArgs = args
	return q.rows, q.queryErr
}

func successRow(status string, confidence float64, conflicts []map[string]any) rowStub {
	return rowStub{scan: func(dest ...any) error {
		*dest[0].(*string) = status
		*dest[1].(*float64) = confidence
		if conflicts != nil {
			b, _ := json.Marshal(conflicts)
			*dest[3].(*[]byte) = b
		}
		provB, _ := json.Marshal([]string{"01K3ZV7M9Q0000000000000000"})
		*dest[4].(*[]byte) = provB
		return nil
	}}
}

func TestProposeFact_Success(t *testing.T) {
	q := &querierStub{row: successRow(graph.StatusSuccess, 0.95, nil)}
	c := graph.NewClient(q, nil)

	resp, err := c.ProposeFact(context.Background(), graph.Fact{
		Source:       graph.Entity{Type: graph.NodePerson, Name: "Alice Johnson"},
		Target:       graph.Entity{Type: graph.NodeCompany, Name: "TechStart LLC"},
		Relationship: graph.RelEmployment,
		SourceInfo:   graph.SourceInfo{Name: "Employee Directory", Type: "hr_system"},
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, graph.StatusSuccess, resp.Status)
	assert.InDelta(t, 0.95, resp.OverallConfidence, 0.0001)
	assert.Len(t, resp.ProvenanceIDs, 1)

	// Defaults applied when strength and confidence are zero.
	assert.Contains(t, q.lastSQL, "propose_fact")
	assert.InDelta(t, 1.0, q.lastArgs[9].(float64), 0.0001)
	assert.InDelta(t, 0.9, q.lastArgs[13].(float64), 0.0001)
}

func TestProposeFact_ConflictsIsSuccess(t *testing.T) {
	conflicts := []map[string]any{{"type": "Legal_Counsel_Conflict"}}
	q := &querierStub{row: successRow(graph.StatusConflicts, 0.8, conflicts)}
	c := graph.NewClient(q, nil)

	resp, err := c.ProposeFact(context.Background(), graph.Fact{
		Source:       graph.Entity{Type: graph.NodePerson, Name: "Alice Johnson"},
		Target:       graph.Entity{Type: graph.NodeCompany, Name: "TechStart LLC"},
		Relationship: graph.RelOpposingCounsel,
		SourceInfo:   graph.SourceInfo{Name: "Court Filing", Type: "legal_records"},
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, graph.StatusConflicts, resp.Status)
	assert.Len(t, resp.Conflicts, 1)
}

func TestProposeFact_InvalidTaxonomyNoRoundTrip(t *testing.T) {
	q := &querierStub{}
	c := graph.NewClient(q, nil)

	resp, err := c.ProposeFact(context.Background(), graph.Fact{
		Source:       graph.Entity{Type: "Robot", Name: "R2"},
		Target:       graph.Entity{Type: graph.NodeCompany, Name: "ACME"},
		Relationship: graph.RelEmployment,
		SourceInfo:   graph.SourceInfo{Name: "x", Type: "y"},
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, graph.StatusError, resp.Status)
	assert.Contains(t, resp.ErrorMessage, "invalid source node type")
	assert.Empty(t, q.lastSQL, "taxonomy failures must not hit the store")
}

func TestProposeFact_InvalidRelationship(t *testing.T) {
	c := graph.NewClient(&querierStub{}, nil)

	resp, err := c.ProposeFact(context.Background(), graph.Fact{
		Source:       graph.Entity{Type: graph.NodePerson, Name: "A"},
		Target:       graph.Entity{Type: graph.NodeCompany, Name: "B"},
		Relationship: "Works_At",
		SourceInfo:   graph.SourceInfo{Name: "x", Type: "y"},
	})
	require.NoError(t, err)
	assert.Contains(t, resp.ErrorMessage, "invalid relationship type")
}

func TestProposeFact_StoreError(t *testing.T) {
	q := &querierStub{row: rowStub{scan: func(_ ...any) error { return assert.AnError }}}
	c := graph.NewClient(q, nil)

	_, err := c.ProposeFact(context.Background(), graph.Fact{
		Source:       graph.Entity{Type: graph.NodePerson, Name: "A"},
		Target:       graph.Entity{Type: graph.NodeCompany, Name: "B"},
		Relationship: graph.RelEmployment,
		SourceInfo:   graph.SourceInfo{Name: "x", Type: "y"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=graph.propose_fact")
}

func TestBatchProposeFacts_ErrorNeverAborts(t *testing.T) {
	q := &querierStub{row: successRow(graph.StatusSuccess, 0.9, nil)}
	c := graph.NewClient(q, nil)

	facts := []graph.Fact{
		{
			Source:       graph.Entity{Type: graph.NodePerson, Name: "Bob Wilson"},
			Target:       graph.Entity{Type: graph.NodeCompany, Name: "Legal Partners Inc"},
			Relationship: graph.RelEmployment,
			SourceInfo:   graph.SourceInfo{Name: "Business Card", Type: "business_cards"},
		},
		{
			// Invalid node type: the batch must still process the rest.
			Source:       graph.Entity{Type: "Alien", Name: "Zorp"},
			Target:       graph.Entity{Type: graph.NodeCompany, Name: "Legal Partners Inc"},
			Relationship: graph.RelEmployment,
			SourceInfo:   graph.SourceInfo{Name: "Business Card", Type: "business_cards"},
		},
		{
			Source:       graph.Entity{Type: graph.NodePerson, Name: "Carol Davis"},
			Target:       graph.Entity{Type: graph.NodeCompany, Name: "Legal Partners Inc"},
			Relationship: graph.RelEmployment,
			SourceInfo:   graph.SourceInfo{Name: "LinkedIn Import", Type: "linkedin"},
		},
	}

	out := c.BatchProposeFacts(context.Background(), facts)
	require.Len(t, out, 3)
	assert.True(t, out[0].Success)
	assert.False(t, out[1].Success)
	assert.True(t, out[2].Success)
}

func TestTaxonomy(t *testing.T) {
	assert.True(t, graph.ValidNodeType("Person"))
	assert.True(t, graph.ValidNodeType("MedicalFacility"))
	assert.False(t, graph.ValidNodeType("Robot"))

	assert.True(t, graph.ValidRelationshipType("Employment"))
	assert.True(t, graph.ValidRelationshipType("Registered_Agent"))
	assert.False(t, graph.ValidRelationshipType("Works_At"))

	assert.True(t, graph.IsGeographic(graph.NodeCity))
	assert.False(t, graph.IsGeographic(graph.NodePerson))

	assert.True(t, graph.IsBidirectional(graph.RelLocatedIn))
	assert.False(t, graph.IsBidirectional(graph.RelEmployment))

	assert.Equal(t, []graph.RelationshipType{graph.RelOpposingCounsel},
		graph.ConflictsWith(graph.RelLegalCounsel))
	assert.Equal(t, []graph.RelationshipType{graph.RelLegalCounsel},
		graph.ConflictsWith(graph.RelOpposingCounsel))
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "des moines", graph.NormalizeName("  Des Moines "))
	assert.Equal(t, "", graph.NormalizeName(""))
}
