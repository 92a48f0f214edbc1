package catalog_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yardstack/inventory-engine/catalog"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func cement() catalog.Material {
	return catalog.Material{
		Code:          "cement-425",
		Name:          "Cement 42.5",
		Category:      "cement",
		Unit:          "bag",
		StandardPrice: dec("1000"),
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestMaterialValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*catalog.Material)
		ok     bool
	}{
		{"valid", func(m *catalog.Material) {}, true},
		{"zero price allowed", func(m *catalog.Material) { m.StandardPrice = decimal.Zero }, true},
		{"missing code", func(m *catalog.Material) { m.Code = "" }, false},
		{"missing name", func(m *catalog.Material) { m.Name = "" }, false},
		{"missing unit", func(m *catalog.Material) { m.Unit = "" }, false},
		{"negative price", func(m *catalog.Material) { m.StandardPrice = dec("-1") }, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := cement()
			tc.mutate(&m)

			err := m.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

// =============================================================================
// MEMORY CATALOG
// =============================================================================

func TestMemory_SaveGetList(t *testing.T) {
	cat := catalog.NewMemory()
	ctx := context.Background()

	require.NoError(t, cat.Save(ctx, cement()))
	require.NoError(t, cat.Save(ctx, catalog.Material{
		Code: "rebar-12", Name: "Rebar 12mm", Category: "steel", Unit: "ton", StandardPrice: dec("800"),
	}))

	m, err := cat.Get(ctx, "cement-425")
	require.NoError(t, err)
	assert.Equal(t, "Cement 42.5", m.Name)

	all, err := cat.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "cement-425", all[0].Code)
	assert.Equal(t, "rebar-12", all[1].Code)
}

func TestMemory_GetMissing_NotFound(t *testing.T) {
	cat := catalog.NewMemory()

	_, err := cat.Get(context.Background(), "missing")

	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestMemory_SaveUpsert_KeepsCreatedAt(t *testing.T) {
	cat := catalog.NewMemory()
	ctx := context.Background()

	require.NoError(t, cat.Save(ctx, cement()))
	first, err := cat.Get(ctx, "cement-425")
	require.NoError(t, err)

	updated := cement()
	updated.Name = "Cement 42.5R"
	require.NoError(t, cat.Save(ctx, updated))

	second, err := cat.Get(ctx, "cement-425")
	require.NoError(t, err)
	assert.Equal(t, "Cement 42.5R", second.Name)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestMemory_UpdatePrice(t *testing.T) {
	cat := catalog.NewMemory()
	ctx := context.Background()

	require.NoError(t, cat.Save(ctx, cement()))
	require.NoError(t, cat.UpdatePrice(ctx, "cement-425", dec("1250")))

	m, err := cat.Get(ctx, "cement-425")
	require.NoError(t, err)
	assert.True(t, m.StandardPrice.Equal(dec("1250")))

	err = cat.UpdatePrice(ctx, "missing", dec("1"))
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

// =============================================================================
// SEEDING
// =============================================================================

func TestParseSeed(t *testing.T) {
	data := []byte(`[
		{"code": "cement-425", "name": "Cement 42.5", "category": "cement", "unit": "bag", "standard_price": "1000"},
		{"code": "sand-river", "name": "River Sand", "unit": "m3"}
	]`)

	materials, err := catalog.ParseSeed(data)

	require.NoError(t, err)
	require.Len(t, materials, 2)
	assert.True(t, materials[0].StandardPrice.Equal(dec("1000")))
	assert.True(t, materials[1].StandardPrice.IsZero(), "missing price defaults to zero")
}

func TestParseSeed_BadPrice_Rejected(t *testing.T) {
	data := []byte(`[{"code": "x", "name": "X", "unit": "kg", "standard_price": "lots"}]`)

	_, err := catalog.ParseSeed(data)

	assert.Error(t, err)
}

func TestParseSeed_InvalidMaterial_Rejected(t *testing.T) {
	data := []byte(`[{"code": "", "name": "X", "unit": "kg"}]`)

	_, err := catalog.ParseSeed(data)

	assert.Error(t, err)
}

func TestSeedFile_LoadsIntoMaintainer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "materials.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"code": "cement-425", "name": "Cement 42.5", "unit": "bag", "standard_price": "1000"}
	]`), 0o644))

	cat := catalog.NewMemory()
	n, err := catalog.SeedFile(context.Background(), cat, path)

	require.NoError(t, err)
	assert.Equal(t, 1, n)

	m, err := cat.Get(context.Background(), "cement-425")
	require.NoError(t, err)
	assert.True(t, m.StandardPrice.Equal(dec("1000")))
}

func TestSeedFile_MissingFile_Errors(t *testing.T) {
	_, err := catalog.SeedFile(context.Background(), catalog.NewMemory(), "/does/not/exist.json")

	assert.Error(t, err)
}
