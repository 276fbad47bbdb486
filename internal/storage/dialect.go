package storage

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Keys of the typed flags inside the utils JSON column. Nothing outside this
// package spells them.
const (
	clusterFlagKey = "dynamic_cluster_number"
	imageFlagKey   = "image_downloaded"
)

// dialect captures the SQL that differs between SQLite and Postgres. Queries
// are written with '?' placeholders and rebound for Postgres.
type dialect struct {
	name       string
	sqlDriver  string
	numbered   bool
	bootstrap  string
	migrations string

	clusterUnset string
	imageUnset   string
	clusterSet   string
	imageSet     string
	clusterCount string
	imageCount   string
	imageArg     func(bool) any
}

var sqliteDialect = dialect{
	name:       DriverSQLite,
	sqlDriver:  "sqlite",
	migrations: "migrations/sqlite",
	bootstrap: `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	clusterUnset: "json_extract(utils, '$." + clusterFlagKey + "') IS NULL",
	imageUnset:   "COALESCE(json_extract(utils, '$." + imageFlagKey + "'), 0) = 0",
	clusterSet:   "utils = json_set(COALESCE(utils, '{}'), '$." + clusterFlagKey + "', ?)",
	imageSet:     "utils = json_set(COALESCE(utils, '{}'), '$." + imageFlagKey + "', json(?))",
	imageArg: func(b bool) any {
		return strconv.FormatBool(b)
	},
}

var postgresDialect = dialect{
	name:       DriverPostgres,
	sqlDriver:  "pgx",
	numbered:   true,
	migrations: "migrations/postgres",
	bootstrap: `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ DEFAULT now()
	)`,
	clusterUnset: "(utils->>'" + clusterFlagKey + "') IS NULL",
	imageUnset:   "COALESCE((utils->>'" + imageFlagKey + "')::boolean, false) = false",
	clusterSet:   "utils = jsonb_set(COALESCE(utils, '{}'::jsonb), '{" + clusterFlagKey + "}', to_jsonb(?::int))",
	imageSet:     "utils = jsonb_set(COALESCE(utils, '{}'::jsonb), '{" + imageFlagKey + "}', to_jsonb(?::boolean))",
	imageArg: func(b bool) any {
		return b
	},
}

func init() {
	sqliteDialect.clusterCount = "NOT (" + sqliteDialect.clusterUnset + ")"
	sqliteDialect.imageCount = "NOT (" + sqliteDialect.imageUnset + ")"
	postgresDialect.clusterCount = "NOT (" + postgresDialect.clusterUnset + ")"
	postgresDialect.imageCount = "NOT (" + postgresDialect.imageUnset + ")"
}

func dialectFor(driver string) (dialect, error) {
	switch strings.ToLower(driver) {
	case "", DriverSQLite, "sqlite3":
		return sqliteDialect, nil
	case DriverPostgres, "postgresql", "pgx":
		return postgresDialect, nil
	default:
		return dialect{}, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// rebind rewrites '?' placeholders as $1..$n when the dialect needs it.
// Quoted literals are left alone.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// duePredicate returns the "needs recompute" condition for one kind.
func (d dialect) duePredicate(k Kind, full bool) (string, error) {
	switch k {
	case KindEmbedding:
		if full {
			return "1=1", nil
		}
		return "embedding IS NULL", nil
	case KindTFIDF:
		if full {
			return "1=1", nil
		}
		return "tfidf IS NULL", nil
	case KindCluster:
		if full {
			return "tfidf IS NOT NULL", nil
		}
		return "(tfidf IS NOT NULL AND " + d.clusterUnset + ")", nil
	case KindImage:
		if full {
			return "(image_url IS NOT NULL AND image_url <> '')", nil
		}
		return "(image_url IS NOT NULL AND image_url <> '' AND " + d.imageUnset + ")", nil
	default:
		return "", fmt.Errorf("unknown artifact kind %q", k)
	}
}

// assignment returns the SET fragment that writes one kind.
func (d dialect) assignment(k Kind) (string, error) {
	switch k {
	case KindEmbedding:
		return "embedding = ?", nil
	case KindTFIDF:
		return "tfidf = ?", nil
	case KindCluster:
		return d.clusterSet, nil
	case KindImage:
		return d.imageSet, nil
	default:
		return "", fmt.Errorf("unknown artifact kind %q", k)
	}
}
