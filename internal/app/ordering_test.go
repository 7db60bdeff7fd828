package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOrderingCreatePrependsSkippingDuplicates(t *testing.T) {
	idx := NewOrderingIndex(t.TempDir())

	rec, err := idx.Update([]string{"a"}, OrderCreate)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, rec.Order)

	rec, err = idx.Update([]string{"b"}, OrderCreate)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "a"}, rec.Order)

	// Duplicate create is a no-op for the existing id.
	rec, err = idx.Update([]string{"a"}, OrderCreate)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "a"}, rec.Order)
	require.Equal(t, string(OrderCreate), rec.LastOperation)
}

func TestOrderingCreateThenDeleteRoundTrips(t *testing.T) {
	idx := NewOrderingIndex(t.TempDir())

	_, err := idx.Update([]string{"b", "a"}, OrderReorder)
	require.NoError(t, err)
	before, err := idx.Load()
	require.NoError(t, err)

	_, err = idx.Update([]string{"x"}, OrderCreate)
	require.NoError(t, err)
	after, err := idx.Update([]string{"x"}, OrderDelete)
	require.NoError(t, err)

	require.Equal(t, before.Order, after.Order)
}

func TestOrderingReorderReplacesWholesale(t *testing.T) {
	idx := NewOrderingIndex(t.TempDir())

	_, err := idx.Update([]string{"a", "b", "c"}, OrderCreate)
	require.NoError(t, err)
	rec, err := idx.Update([]string{"b", "c", "a"}, OrderReorder)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c", "a"}, rec.Order)
	require.Equal(t, string(OrderReorder), rec.LastOperation)
}

func TestOrderingUnknownOpRejected(t *testing.T) {
	idx := NewOrderingIndex(t.TempDir())
	_, err := idx.Update([]string{"a"}, OrderingOp("swap"))
	require.Error(t, err)
}

func TestArrangeOrderedFirstThenRecency(t *testing.T) {
	now := time.Now()
	a := &Session{ID: "a", LastUpdated: now.Add(-2 * time.Hour)}
	b := &Session{ID: "b", LastUpdated: now.Add(-1 * time.Hour)}
	c := &Session{ID: "c", LastUpdated: now} // unordered, most recent

	rec := OrderingRecord{Order: []string{"b", "a"}}
	got := Arrange(rec, []*Session{a, b, c})

	require.Len(t, got, 3)
	require.Equal(t, "b", got[0].ID)
	require.Equal(t, "a", got[1].ID)
	require.Equal(t, "c", got[2].ID)
}

func TestArrangeIgnoresStaleIDs(t *testing.T) {
	a := &Session{ID: "a", LastUpdated: time.Now()}
	rec := OrderingRecord{Order: []string{"ghost", "a"}}
	got := Arrange(rec, []*Session{a})
	require.Len(t, got, 1)
	require.Equal(t, "a", got[0].ID)
}
