// Package database provides the pooled Postgres connection used by the
// persistence writer and the instrument registry loader.
package database
