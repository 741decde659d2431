package instrument

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rmehra/marketpipe/internal/model"
)

// Load reads the reference snapshot from the instruments table. Called once
// at session start; the returned slice is handed to NewRegistry and never
// mutated afterwards.
func Load(ctx context.Context, pool *pgxpool.Pool) ([]model.Instrument, error) {
	rows, err := pool.Query(ctx, `
		SELECT entity_key, symbol, underlying, category,
		       COALESCE(expiry::text, ''), COALESCE(strike, 0),
		       COALESCE(side, ''), COALESCE(lot_size, 0)
		FROM instruments
		ORDER BY entity_key
	`)
	if err != nil {
		return nil, fmt.Errorf("query instruments: %w", err)
	}
	defer rows.Close()

	var snapshot []model.Instrument
	for rows.Next() {
		var inst model.Instrument
		var category, side string
		if err := rows.Scan(
			&inst.EntityKey, &inst.Symbol, &inst.Underlying, &category,
			&inst.Expiry, &inst.Strike, &side, &inst.LotSize,
		); err != nil {
			return nil, fmt.Errorf("scan instrument: %w", err)
		}
		inst.Category = model.Category(category)
		inst.Side = model.OptionSide(side)
		snapshot = append(snapshot, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instruments: %w", err)
	}

	return snapshot, nil
}
