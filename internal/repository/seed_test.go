package repository

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadListings(t *testing.T) {
	repo := NewMemoryRepository()

	n, err := LoadListings(context.Background(), repo, strings.NewReader(`[
		{"id":"tea","vendorId":"v1","title":"Green tea","price":"12.50","stockQuantity":40},
		{"id":"rice","vendorId":"v2","title":"Rice","price":"3","stockQuantity":100,"minimumOrderQuantity":5}
	]`))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := repo.GetListings(context.Background(), []string{"tea", "rice"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1250), got["tea"].PriceCents)
	assert.Equal(t, int64(1), got["tea"].MinimumOrderQuantity)
	assert.Equal(t, int64(300), got["rice"].PriceCents)
	assert.Equal(t, int64(5), got["rice"].MinimumOrderQuantity)

	_, err = repo.ReserveStock(context.Background(), "tea", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(37), stockOf(t, repo, "tea"))
}

func TestLoadListings_RejectsInvalidFileBeforeWriting(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `[{"id":`},
		{name: "missing vendor", body: `[{"id":"a","price":"1.00"}]`},
		{name: "fractional cents", body: `[{"id":"ok","vendorId":"v1","price":"1.00"},{"id":"a","vendorId":"v1","price":"1.005"}]`},
		{name: "negative stock", body: `[{"id":"a","vendorId":"v1","price":"1.00","stockQuantity":-1}]`},
		{name: "negative price", body: `[{"id":"a","vendorId":"v1","price":"-1.00"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := NewMemoryRepository()

			_, err := LoadListings(context.Background(), repo, strings.NewReader(tt.body))
			require.Error(t, err)

			got, err := repo.GetListings(context.Background(), []string{"a", "ok"})
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}
