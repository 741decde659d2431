package database

import (
	"fmt"
	"net/url"

	"github.com/rmehra/marketpipe/internal/config"
)

// BuildConnString renders the pgx connection URL for the configured store.
// The userinfo section is escaped by url.URL, so passwords with reserved
// characters survive intact. SSLMode is always populated by the config
// defaults.
func BuildConnString(cfg config.DBConfig) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     cfg.Name,
		RawQuery: url.Values{"sslmode": {cfg.SSLMode}}.Encode(),
	}
	return u.String()
}
