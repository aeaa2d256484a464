package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/carepick/carepick/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProducts(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	records := []*types.ProductRecord{
		{ID: "p1", Category: "bodywash", Brand: "Dove", Name: "Deep Moisture Body Wash", JSONPath: "products/p1.json", CreatedAt: base},
		{ID: "p2", Category: "bodywash", Brand: "DOVE", Name: "deep moisture body wash", Tags: []string{"dry skin"}, JSONPath: "products/p2.json", CreatedAt: base.Add(time.Hour)},
		{ID: "p3", Category: "cleanser", Brand: "CeraVe", Name: "Hydrating Cleanser", OneSentence: "Gentle face wash", ImagePath: "images/p3.jpg", JSONPath: "products/p3.json", CreatedAt: base.Add(2 * time.Hour)},
	}
	for _, r := range records {
		require.NoError(t, store.UpsertProduct(ctx, r))
	}

	t.Run("get", func(t *testing.T) {
		p, err := store.GetProduct(ctx, "p2")
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, []string{"dry skin"}, p.Tags)
		assert.True(t, base.Add(time.Hour).Equal(p.CreatedAt))

		p, err = store.GetProduct(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, []string{}, p.Tags)

		missing, err := store.GetProduct(ctx, "zzz")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("list filters", func(t *testing.T) {
		tests := []struct {
			filter types.ProductFilter
			want   []string
		}{
			{types.ProductFilter{}, []string{"p3", "p2", "p1"}},
			{types.ProductFilter{Category: "bodywash"}, []string{"p2", "p1"}},
			{types.ProductFilter{Query: "dove"}, []string{"p2", "p1"}},
			{types.ProductFilter{Query: "gentle"}, []string{"p3"}},
			{types.ProductFilter{Limit: 1, Offset: 1}, []string{"p2"}},
		}
		for _, tt := range tests {
			got, err := store.ListProducts(ctx, tt.filter)
			require.NoError(t, err)
			ids := []string{}
			for _, p := range got {
				ids = append(ids, p.ID)
			}
			assert.Equal(t, tt.want, ids, "filter %+v", tt.filter)
		}
	})

	t.Run("upsert replaces fields but keeps created_at", func(t *testing.T) {
		updated := *records[0]
		updated.Name = "Deep Moisture Body Wash 500ml"
		updated.CreatedAt = base.Add(48 * time.Hour)
		require.NoError(t, store.UpsertProduct(ctx, &updated))

		p, err := store.GetProduct(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "Deep Moisture Body Wash 500ml", p.Name)
		assert.True(t, base.Equal(p.CreatedAt))
	})

	t.Run("delete", func(t *testing.T) {
		deleted, err := store.DeleteProducts(ctx, []string{"p1", "nope"})
		require.NoError(t, err)
		assert.Equal(t, []string{"p1"}, deleted)

		left, err := store.ListProducts(ctx, types.ProductFilter{})
		require.NoError(t, err)
		assert.Len(t, left, 2)
	})

	t.Run("validation", func(t *testing.T) {
		assert.Error(t, store.UpsertProduct(ctx, &types.ProductRecord{JSONPath: "x"}))
		assert.Error(t, store.UpsertProduct(ctx, &types.ProductRecord{ID: "x"}))
	})
}
