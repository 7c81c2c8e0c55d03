package projections

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cartograph-backend/application/ports"
	"cartograph-backend/domain/events"
)

type execCall struct {
	sql  string
	args []any
}

// fakeTx scripts Exec affected-row counts by SQL substring and Query result
// rows by a caller-provided function.
type fakeTx struct {
	execs    []execCall
	affected map[string]int64
	queryFn  func(sql string, args []any) [][]any
}

func (f *fakeTx) Exec(_ context.Context, sql string, args ...any) (int64, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	for substr, n := range f.affected {
		if strings.Contains(sql, substr) {
			return n, nil
		}
	}
	return 1, nil
}

func (f *fakeTx) Query(_ context.Context, sql string, args ...any) (ports.Rows, error) {
	if f.queryFn == nil {
		return &fakeRows{}, nil
	}
	return &fakeRows{rows: f.queryFn(sql, args)}, nil
}

func (f *fakeTx) QueryRow(_ context.Context, sql string, _ ...any) ports.Row {
	return errRow{sql: sql}
}

func (f *fakeTx) execContaining(substr string) *execCall {
	for i := range f.execs {
		if strings.Contains(f.execs[i].sql, substr) {
			return &f.execs[i]
		}
	}
	return nil
}

type errRow struct{ sql string }

func (r errRow) Scan(...any) error { return fmt.Errorf("unexpected QueryRow: %s", r.sql) }

type fakeRows struct {
	rows [][]any
	idx  int
}

func (r *fakeRows) Next() bool {
	if r.idx < len(r.rows) {
		r.idx++
		return true
	}
	return false
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.idx-1]
	for i := range dest {
		switch p := dest[i].(type) {
		case *string:
			p2, ok := row[i].(string)
			if !ok {
				return fmt.Errorf("column %d is %T, want string", i, row[i])
			}
			*p = p2
		case *float64:
			p2, ok := row[i].(float64)
			if !ok {
				return fmt.Errorf("column %d is %T, want float64", i, row[i])
			}
			*p = p2
		default:
			return fmt.Errorf("unsupported scan target %T", dest[i])
		}
	}
	return nil
}

func (r *fakeRows) Err() error { return nil }
func (r *fakeRows) Close()     {}

func newReadModelHandler() *ReadModelHandler {
	return NewReadModelHandler(zap.NewNop())
}

func TestReadModel_EntityExtractedUpdatesExistingPageEntity(t *testing.T) {
	handler := newReadModelHandler()
	tx := &fakeTx{}

	event := events.NewEntityExtractedEvent("proc-1", "tenant-1", "11111111-1111-1111-1111-111111111111",
		"22222222-2222-2222-2222-222222222222", "person", "Marie Curie", "marie curie",
		"physicist", map[string]interface{}{"field": "physics"}, 0.93, "llm_extraction", "…Curie won…", 3)

	require.NoError(t, handler.Handle(context.Background(), tx, event))

	require.Len(t, tx.execs, 1, "natural-key hit should not fall through to insert")
	update := tx.execContaining("UPDATE extracted_entities")
	require.NotNil(t, update)
	assert.Equal(t, "tenant-1", update.args[0])
	assert.Equal(t, "22222222-2222-2222-2222-222222222222", update.args[1])
	assert.Equal(t, "person", update.args[2])
	assert.Equal(t, "marie curie", update.args[3])
	assert.Equal(t, "Marie Curie", update.args[4])
}

func TestReadModel_EntityExtractedInsertsWhenNoPageRow(t *testing.T) {
	handler := newReadModelHandler()
	tx := &fakeTx{affected: map[string]int64{"UPDATE extracted_entities": 0}}

	event := events.NewEntityExtractedEvent("proc-1", "tenant-1", "11111111-1111-1111-1111-111111111111",
		"22222222-2222-2222-2222-222222222222", "person", "Marie Curie", "marie curie",
		"", nil, 0.93, "llm_extraction", "", 3)

	require.NoError(t, handler.Handle(context.Background(), tx, event))

	insert := tx.execContaining("INSERT INTO extracted_entities")
	require.NotNil(t, insert)
	assert.Equal(t, "11111111-1111-1111-1111-111111111111", insert.args[0])
	assert.Contains(t, insert.sql, "ON CONFLICT (id) DO UPDATE")
	assert.NotContains(t, insert.sql, "is_canonical =", "replayed inserts must not resurrect demoted rows")

	props, ok := insert.args[7].(map[string]interface{})
	require.True(t, ok, "nil event properties must become an empty object")
	assert.Empty(t, props)
}

func TestReadModel_EntityExtractedWithoutPageSkipsNaturalKey(t *testing.T) {
	handler := newReadModelHandler()
	tx := &fakeTx{}

	event := events.NewEntityExtractedEvent("proc-1", "tenant-1", "11111111-1111-1111-1111-111111111111",
		"", "concept", "Radioactivity", "radioactivity", "", nil, 0.8, "llm_extraction", "", 1)

	require.NoError(t, handler.Handle(context.Background(), tx, event))

	require.Len(t, tx.execs, 1)
	assert.Contains(t, tx.execs[0].sql, "INSERT INTO extracted_entities")
}

func TestReadModel_RelationshipDiscoveredResolvesEndpoints(t *testing.T) {
	handler := newReadModelHandler()
	tx := &fakeTx{
		queryFn: func(_ string, args []any) [][]any {
			switch args[2] {
			case "Marie Curie":
				return [][]any{{"aaaaaaaa-0000-0000-0000-000000000001"}}
			case "Pierre Curie":
				return [][]any{{"aaaaaaaa-0000-0000-0000-000000000002"}}
			}
			return nil
		},
	}

	event := events.NewRelationshipDiscoveredEvent("proc-1", "tenant-1", "33333333-3333-3333-3333-333333333333",
		"22222222-2222-2222-2222-222222222222", "Marie Curie", "Pierre Curie", "married_to", 0.9, "…married in 1895…", 4)

	require.NoError(t, handler.Handle(context.Background(), tx, event))

	insert := tx.execContaining("INSERT INTO entity_relationships")
	require.NotNil(t, insert)
	assert.Equal(t, "aaaaaaaa-0000-0000-0000-000000000001", insert.args[2])
	assert.Equal(t, "aaaaaaaa-0000-0000-0000-000000000002", insert.args[3])
	assert.Equal(t, "married_to", insert.args[4])

	props, ok := insert.args[5].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "…married in 1895…", props["context"])
}

func TestReadModel_RelationshipSkipsUnresolvedEndpoint(t *testing.T) {
	handler := newReadModelHandler()
	tx := &fakeTx{
		queryFn: func(_ string, args []any) [][]any {
			if args[2] == "Marie Curie" {
				return [][]any{{"aaaaaaaa-0000-0000-0000-000000000001"}}
			}
			return nil
		},
	}

	event := events.NewRelationshipDiscoveredEvent("proc-1", "tenant-1", "33333333-3333-3333-3333-333333333333",
		"22222222-2222-2222-2222-222222222222", "Marie Curie", "Unknown Person", "knows", 0.5, "", 4)

	require.NoError(t, handler.Handle(context.Background(), tx, event),
		"unresolved endpoints skip without poisoning the projection")
	assert.Empty(t, tx.execs)
}

func TestReadModel_RelationshipSkipsSelfLoop(t *testing.T) {
	handler := newReadModelHandler()
	tx := &fakeTx{
		queryFn: func(_ string, _ []any) [][]any {
			return [][]any{{"aaaaaaaa-0000-0000-0000-000000000001"}}
		},
	}

	event := events.NewRelationshipDiscoveredEvent("proc-1", "tenant-1", "33333333-3333-3333-3333-333333333333",
		"22222222-2222-2222-2222-222222222222", "Curie", "M. Curie", "same_as", 0.5, "", 4)

	require.NoError(t, handler.Handle(context.Background(), tx, event))
	assert.Empty(t, tx.execs)
}

func TestReadModel_EntitiesMerged(t *testing.T) {
	handler := newReadModelHandler()
	tx := &fakeTx{}

	event := events.NewEntitiesMergedEvent("tenant-1", "aaaaaaaa-0000-0000-0000-000000000001",
		[]string{"aaaaaaaa-0000-0000-0000-000000000002", "aaaaaaaa-0000-0000-0000-000000000003"},
		[]string{"M. Curie", "Madame Curie"}, "auto_merge",
		map[string]float64{"jaro_winkler": 0.97}, nil, 5, "", 2)

	require.NoError(t, handler.Handle(context.Background(), tx, event))

	demote := tx.execContaining("SET is_canonical = FALSE")
	require.NotNil(t, demote)
	assert.Equal(t, event.MergedEntityIDs, demote.args[1])
	assert.Equal(t, "aaaaaaaa-0000-0000-0000-000000000001", demote.args[2])

	stamp := tx.execContaining("_merged_count")
	require.NotNil(t, stamp)
	assert.Contains(t, stamp.sql, "IS DISTINCT FROM", "replay must not double the merge counter")
	assert.Equal(t, event.EventID(), stamp.args[2])
	assert.Equal(t, 2, stamp.args[3])

	expire := tx.execContaining("SET status = 'expired'")
	require.NotNil(t, expire)
	assert.ElementsMatch(t,
		[]string{"aaaaaaaa-0000-0000-0000-000000000002", "aaaaaaaa-0000-0000-0000-000000000003", "aaaaaaaa-0000-0000-0000-000000000001"},
		expire.args[1])

	history := tx.execContaining("INSERT INTO merge_history")
	require.NotNil(t, history)
	assert.Contains(t, history.sql, "ON CONFLICT (merge_event_id) DO NOTHING")
	assert.Equal(t, event.EventID(), history.args[0])
}

func TestReadModel_AliasCreated(t *testing.T) {
	handler := newReadModelHandler()
	tx := &fakeTx{}

	event := events.NewAliasCreatedEvent("tenant-1", "aaaaaaaa-0000-0000-0000-000000000001",
		"bbbbbbbb-0000-0000-0000-000000000001", "Madame Curie",
		"aaaaaaaa-0000-0000-0000-000000000002", "cccccccc-0000-0000-0000-000000000001", 3)

	require.NoError(t, handler.Handle(context.Background(), tx, event))

	insert := tx.execContaining("INSERT INTO entity_aliases")
	require.NotNil(t, insert)
	assert.Equal(t, "bbbbbbbb-0000-0000-0000-000000000001", insert.args[0])
	assert.Equal(t, "Madame Curie", insert.args[3])
	assert.Contains(t, insert.sql, "ON CONFLICT (id) DO NOTHING")
}

func TestReadModel_MergeUndone(t *testing.T) {
	handler := newReadModelHandler()
	tx := &fakeTx{}

	event := events.NewMergeUndoneEvent("tenant-1", "aaaaaaaa-0000-0000-0000-000000000001",
		"cccccccc-0000-0000-0000-000000000001",
		[]string{"aaaaaaaa-0000-0000-0000-000000000002"},
		[]string{"aaaaaaaa-0000-0000-0000-000000000002"},
		"wrong merge", "user-7", 6)

	require.NoError(t, handler.Handle(context.Background(), tx, event))

	stamp := tx.execContaining("_undo_merge_event_id")
	require.NotNil(t, stamp)
	assert.Equal(t, "cccccccc-0000-0000-0000-000000000001", stamp.args[2])

	history := tx.execContaining("UPDATE merge_history")
	require.NotNil(t, history)
	assert.Contains(t, history.sql, "SET undone = TRUE")
	assert.Equal(t, "user-7", history.args[2])

	assert.Nil(t, tx.execContaining("is_canonical = TRUE"),
		"entity restoration happens in the merge service, not the projection")
}

func TestReadModel_EntitySplit(t *testing.T) {
	handler := newReadModelHandler()
	tx := &fakeTx{
		queryFn: func(sql string, _ []any) [][]any {
			if strings.Contains(sql, "SELECT entity_type, confidence") {
				return [][]any{{"organization", 0.85}}
			}
			return nil
		},
	}

	event := events.NewEntitySplitEvent("tenant-1", "aaaaaaaa-0000-0000-0000-000000000001",
		[]string{"dddddddd-0000-0000-0000-000000000001", "dddddddd-0000-0000-0000-000000000002"},
		[]string{"Apple Inc.", "Apple Records"},
		map[string]string{"rel-1": "dddddddd-0000-0000-0000-000000000002"},
		map[string]map[string]interface{}{
			"dddddddd-0000-0000-0000-000000000001": {"industry": "technology"},
		},
		"distinct companies", "user-7", 8)

	require.NoError(t, handler.Handle(context.Background(), tx, event))

	var inserts []*execCall
	for i := range tx.execs {
		if strings.Contains(tx.execs[i].sql, "INSERT INTO extracted_entities") {
			inserts = append(inserts, &tx.execs[i])
		}
	}
	require.Len(t, inserts, 2)
	assert.Equal(t, "organization", inserts[0].args[2], "split entities inherit the original type")
	assert.Equal(t, "apple inc.", inserts[0].args[4])
	props, ok := inserts[0].args[5].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "technology", props["industry"])
	assert.Equal(t, "aaaaaaaa-0000-0000-0000-000000000001", props["_split_from"])

	demote := tx.execContaining("_split_into")
	require.NotNil(t, demote)
	assert.Contains(t, demote.sql, "is_canonical = FALSE")
	assert.Equal(t, "dddddddd-0000-0000-0000-000000000001", demote.args[2],
		"original becomes an alias of the first successor")

	expire := tx.execContaining("SET status = 'expired'")
	require.NotNil(t, expire)
}

func TestReadModel_EntitySplitUnknownOriginalSkips(t *testing.T) {
	handler := newReadModelHandler()
	tx := &fakeTx{}

	event := events.NewEntitySplitEvent("tenant-1", "aaaaaaaa-0000-0000-0000-000000000001",
		[]string{"dddddddd-0000-0000-0000-000000000001", "dddddddd-0000-0000-0000-000000000002"},
		[]string{"A", "B"}, nil, nil, "", "user-7", 8)

	require.NoError(t, handler.Handle(context.Background(), tx, event))
	assert.Empty(t, tx.execs)
}

func TestReadModel_MergeQueuedOrdersPair(t *testing.T) {
	handler := newReadModelHandler()
	tx := &fakeTx{}

	// Deliberately reversed: b sorts before a.
	event := events.NewMergeQueuedForReviewEvent("pair-1", "tenant-1",
		"ffffffff-0000-0000-0000-000000000001", "aaaaaaaa-0000-0000-0000-000000000001",
		0.72, 7, "medium_confidence", map[string]float64{"jaro_winkler": 0.8}, 1)

	require.NoError(t, handler.Handle(context.Background(), tx, event))

	insert := tx.execContaining("INSERT INTO merge_review_queue")
	require.NotNil(t, insert)
	assert.Equal(t, "pair-1", insert.args[0])
	assert.Equal(t, "aaaaaaaa-0000-0000-0000-000000000001", insert.args[2])
	assert.Equal(t, "ffffffff-0000-0000-0000-000000000001", insert.args[3])
	assert.Contains(t, insert.sql, "status = 'pending'",
		"re-queue must reset expired or deferred rows to pending")
}

func TestReadModel_ReviewDecisionMapping(t *testing.T) {
	cases := []struct {
		decision string
		status   string
	}{
		{events.DecisionApprove, "approved"},
		{events.DecisionReject, "rejected"},
		{events.DecisionMarkDifferent, "rejected"},
		{events.DecisionDefer, "deferred"},
	}
	for _, tc := range cases {
		t.Run(tc.decision, func(t *testing.T) {
			handler := newReadModelHandler()
			tx := &fakeTx{}

			event := events.NewMergeReviewDecisionEvent("pair-1", "tenant-1",
				"eeeeeeee-0000-0000-0000-000000000001",
				"aaaaaaaa-0000-0000-0000-000000000001", "aaaaaaaa-0000-0000-0000-000000000002",
				tc.decision, "reviewer-1", "looks right", 0.72, 2)

			require.NoError(t, handler.Handle(context.Background(), tx, event))

			update := tx.execContaining("UPDATE merge_review_queue")
			require.NotNil(t, update)
			assert.Equal(t, tc.status, update.args[2])
			assert.Equal(t, "reviewer-1", update.args[3])
		})
	}
}

func TestReadModel_UnknownReviewDecisionIgnored(t *testing.T) {
	handler := newReadModelHandler()
	tx := &fakeTx{}

	event := events.NewMergeReviewDecisionEvent("pair-1", "tenant-1",
		"eeeeeeee-0000-0000-0000-000000000001",
		"aaaaaaaa-0000-0000-0000-000000000001", "aaaaaaaa-0000-0000-0000-000000000002",
		"escalate", "reviewer-1", "", 0.72, 2)

	require.NoError(t, handler.Handle(context.Background(), tx, event))
	assert.Empty(t, tx.execs)
}

func TestReadModel_ConfigUpdatedUpsertsRow(t *testing.T) {
	handler := newReadModelHandler()
	tx := &fakeTx{}

	// Snapshot values as they look after the JSON round trip through the
	// event store: numbers are float64.
	after := map[string]interface{}{
		"auto_merge_threshold": 0.92,
		"review_threshold":     0.55,
		"reject_threshold":     0.30,
		"feature_weights":      map[string]interface{}{"jaro_winkler": 0.4},
		"enable_embedding":     true,
		"enable_graph":         false,
		"max_block_size":       float64(200),
	}
	event := events.NewConsolidationConfigUpdatedEvent("tenant-1",
		[]string{"auto_merge_threshold", "review_threshold"},
		map[string]interface{}{}, after, "admin-1", 3)

	require.NoError(t, handler.Handle(context.Background(), tx, event))

	insert := tx.execContaining("INSERT INTO tenant_consolidation_config")
	require.NotNil(t, insert)
	assert.Equal(t, "tenant-1", insert.args[0])
	assert.Equal(t, 0.92, insert.args[1])
	assert.Equal(t, 0.55, insert.args[2])
	assert.Equal(t, map[string]interface{}{"jaro_winkler": 0.4}, insert.args[4])
	assert.Equal(t, true, insert.args[5])
	assert.Equal(t, 200, insert.args[7])
	assert.Equal(t, "admin-1", insert.args[8])
}

func TestReadModel_ConfigUpdatedMalformedSkips(t *testing.T) {
	handler := newReadModelHandler()
	tx := &fakeTx{}

	event := events.NewConsolidationConfigUpdatedEvent("tenant-1",
		[]string{"auto_merge_threshold"}, map[string]interface{}{},
		map[string]interface{}{"auto_merge_threshold": "high"}, "admin-1", 4)

	require.NoError(t, handler.Handle(context.Background(), tx, event))
	assert.Empty(t, tx.execs, "partial snapshots never reach the row")
}

func TestReadModel_ResetEmptiesTablesInDependencyOrder(t *testing.T) {
	handler := newReadModelHandler()
	tx := &fakeTx{}

	require.NoError(t, handler.Reset(context.Background(), tx))

	var tables []string
	for _, call := range tx.execs {
		tables = append(tables, strings.TrimPrefix(call.sql, "DELETE FROM "))
	}
	assert.Equal(t, []string{
		"entity_aliases",
		"entity_relationships",
		"merge_review_queue",
		"merge_history",
		"tenant_consolidation_config",
		"extracted_entities",
	}, tables, "tables referencing extracted_entities must empty first")
}
