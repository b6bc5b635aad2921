package graph

import (
	"context"
	"io"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanshika/graphlens/internal/domain"
)

func TestCoerce(t *testing.T) {
	day := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)
	clock := time.Date(0, 1, 1, 13, 45, 30, 500_000_000, time.UTC)

	cases := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"bool", true, true},
		{"string", "s", "s"},
		{"small int", int64(42), int64(42)},
		{"int32", int32(-3), int64(-3)},
		{"max safe", int64(MaxSafeInteger), int64(MaxSafeInteger)},
		{"above max safe", int64(MaxSafeInteger + 1), "9007199254740992"},
		{"below min safe", int64(-MaxSafeInteger - 2), "-9007199254740993"},
		{"large uint", uint64(math.MaxUint64), "18446744073709551615"},
		{"float", 1.5, 1.5},
		{"nan", math.NaN(), "NaN"},
		{"inf", math.Inf(1), "Infinity"},
		{"neg inf", math.Inf(-1), "-Infinity"},
		{"bytes", []byte("hi"), "aGk="},
		{"uuid bytes", [16]byte{0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc, 0xde, 0xf0, 0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc, 0xde, 0xf0}, "12345678-9abc-def0-1234-56789abcdef0"},
		{"date", dbtype.Date(day), "2024-03-09"},
		{"local time", dbtype.LocalTime(clock), "13:45:30.5"},
		{"local datetime", dbtype.LocalDateTime(day.Add(90 * time.Minute)), "2024-03-09T01:30:00"},
		{"time", day, "2024-03-09T00:00:00Z"},
		{"duration", dbtype.Duration{Months: 1, Days: 2, Seconds: 3, Nanos: 500_000_000}, "P1M2DT3.5S"},
		{"go duration", 90 * time.Second, "P0M0DT90S"},
		{"point2d", dbtype.Point2D{X: 1, Y: 2, SpatialRefId: 4326}, map[string]any{"srid": int64(4326), "x": 1.0, "y": 2.0}},
		{"point3d", dbtype.Point3D{X: 1, Y: 2, Z: 3, SpatialRefId: 9157}, map[string]any{"srid": int64(9157), "x": 1.0, "y": 2.0, "z": 3.0}},
		{"nested", []any{map[string]any{"n": math.NaN()}}, []any{map[string]any{"n": "NaN"}}},
		{"typed slice", []int32{1, 2}, []any{int64(1), int64(2)}},
		{"interval", pgtype.Interval{Months: 2, Days: 1, Microseconds: 1_500_000, Valid: true}, "P2M1DT1.5S"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Coerce(tc.in))
		})
	}
}

func TestCoerceNumeric(t *testing.T) {
	n := pgtype.Numeric{Int: big.NewInt(12345), Exp: -2, Valid: true}
	assert.Equal(t, "123.45", Coerce(n))

	assert.Equal(t, "NaN", Coerce(pgtype.Numeric{NaN: true, Valid: true}))
	assert.Equal(t, "-Infinity", Coerce(pgtype.Numeric{InfinityModifier: pgtype.NegativeInfinity, Valid: true}))
	assert.Nil(t, Coerce(pgtype.Numeric{}))
}

func TestExplainPostgresError(t *testing.T) {
	got := Explain(&pgconn.PgError{Code: "42601", Message: "syntax error at or near \"MATC\""})

	assert.Equal(t, "42601", got.Code)
	assert.Equal(t, "syntax error at or near \"MATC\"", got.Message)
	assert.False(t, got.Connectivity)
}

func TestExplainConnectivity(t *testing.T) {
	got := Explain(io.ErrUnexpectedEOF)

	assert.True(t, got.Connectivity)
}

func TestBackendsFor(t *testing.T) {
	b := DefaultBackends()

	a, err := b.For(domain.BoltTarget{Address: "bolt://localhost:7687"})
	require.NoError(t, err)
	assert.IsType(t, BoltAdapter{}, a)

	a, err = b.For(domain.RelationalGraphTarget{Address: "localhost", GraphName: "g"})
	require.NoError(t, err)
	assert.IsType(t, AGEAdapter{}, a)

	_, err = Backends{Bolt: BoltAdapter{}}.For(domain.RelationalGraphTarget{})
	assert.ErrorIs(t, err, ErrNoAdapter)
}

func TestMemoryHandleClosed(t *testing.T) {
	m := NewMemoryAdapter()
	m.SetResult("RETURN 1", RawRecords{Columns: []string{"1"}, Rows: [][]any{{int64(1)}}})

	h, err := m.Open(context.Background(), domain.BoltTarget{Address: "bolt://x"})
	require.NoError(t, err)
	raw, err := h.Run(context.Background(), "RETURN 1")
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, raw.Columns)

	require.NoError(t, h.Close(context.Background()))
	_, err = h.Run(context.Background(), "RETURN 1")
	assert.ErrorIs(t, err, ErrHandleClosed)
	assert.Equal(t, 1, m.Opens())
	assert.Len(t, m.Runs(), 1)
}
