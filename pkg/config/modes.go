package config

import (
	"fmt"
	"strings"
)

// Canonical sink names accepted in sinks.write_mode
const (
	ModeCSV      = "csv"
	ModeJSON     = "json"
	ModePostgres = "postgres"
	ModeMongo    = "mongo"
	ModeSQLite   = "sqlite"
	ModeWebhook  = "post"
)

var modeAliases = map[string]string{
	"csv":            ModeCSV,
	"json":           ModeJSON,
	"postgres":       ModePostgres,
	"postgresql":     ModePostgres,
	"relational":     ModePostgres,
	"mysql":          ModePostgres,
	"mongo":          ModeMongo,
	"mongodb":        ModeMongo,
	"document-store": ModeMongo,
	"sqlite":         ModeSQLite,
	"embedded-db":    ModeSQLite,
	"post":           ModeWebhook,
	"webhook":        ModeWebhook,
}

// NormalizeWriteModes maps every configured write mode to its canonical name,
// dropping duplicates while keeping the configured order.
func NormalizeWriteModes(modes []string) ([]string, error) {
	out := make([]string, 0, len(modes))
	var unknown []string
	for _, m := range modes {
		canonical, ok := modeAliases[strings.ToLower(strings.TrimSpace(m))]
		if !ok {
			unknown = append(unknown, m)
			continue
		}
		if !containsMode(out, canonical) {
			out = append(out, canonical)
		}
	}
	if len(unknown) > 0 {
		return out, fmt.Errorf("unsupported write mode(s) %s, expected csv, json, postgres, mongo, sqlite or post",
			strings.Join(unknown, ", "))
	}
	return out, nil
}

func containsMode(modes []string, mode string) bool {
	for _, m := range modes {
		if m == mode {
			return true
		}
	}
	return false
}
