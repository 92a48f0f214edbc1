package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
)

// MaterialJSON is the seed-file shape for one material.
type MaterialJSON struct {
	Code          string `json:"code"`
	Name          string `json:"name"`
	Category      string `json:"category"`
	Unit          string `json:"unit"`
	StandardPrice string `json:"standard_price"`
}

// ParseSeed converts seed JSON into materials.
func ParseSeed(data []byte) ([]Material, error) {
	var raw []MaterialJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse catalog seed: %w", err)
	}

	materials := make([]Material, 0, len(raw))
	for i, r := range raw {
		price := decimal.Zero
		if r.StandardPrice != "" {
			p, err := decimal.NewFromString(r.StandardPrice)
			if err != nil {
				return nil, fmt.Errorf("material %d (%s): bad standard_price %q", i, r.Code, r.StandardPrice)
			}
			price = p
		}
		m := Material{
			Code:          r.Code,
			Name:          r.Name,
			Category:      r.Category,
			Unit:          r.Unit,
			StandardPrice: price,
		}
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("material %d: %w", i, err)
		}
		materials = append(materials, m)
	}
	return materials, nil
}

// SeedFile loads a JSON seed file into the given maintainer.
// Existing materials with the same code are overwritten.
func SeedFile(ctx context.Context, dst Maintainer, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read catalog seed: %w", err)
	}

	materials, err := ParseSeed(data)
	if err != nil {
		return 0, err
	}

	for _, m := range materials {
		if err := dst.Save(ctx, m); err != nil {
			return 0, fmt.Errorf("seed material %s: %w", m.Code, err)
		}
	}
	return len(materials), nil
}
