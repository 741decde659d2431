// Package model defines shared data types used across the pipeline.
//
// Conventions:
//   - Prices: float64 in the instrument's quote currency
//   - Quantities/volume/open interest: int64 contracts or shares
//   - Timestamps: int64 microseconds since Unix epoch
//   - IDs: string entity keys, stable for one trading session
package model
