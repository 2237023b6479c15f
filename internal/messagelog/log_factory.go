package messagelog

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildLogFromDSN opens the log named by dsn. An empty dsn yields an
// in-memory log; a bare path is treated as a JSON-lines file. A libpq
// keyword/value string such as "host=db dbname=inbox" opens Postgres.
func BuildLogFromDSN(dsn string) (Log, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryLog(), nil
	}
	if isPostgresKeywordDSN(dsn) {
		return NewPostgresLog(dsn)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeLogScheme(parsed.Scheme)
	if factory, ok := lookupLogFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileLog(path)
	case "memory", "mem", "inmem":
		return NewMemoryLog(), nil
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteLog(path)
	case "postgres", "postgresql":
		return NewPostgresLog(dsn)
	case "mysql":
		return nil, fmt.Errorf("%w: message log %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported message log scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

var postgresDSNKeywords = map[string]bool{
	"host":             true,
	"hostaddr":         true,
	"port":             true,
	"dbname":           true,
	"user":             true,
	"password":         true,
	"sslmode":          true,
	"connect_timeout":  true,
	"application_name": true,
}

func isPostgresKeywordDSN(raw string) bool {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return false
	}
	key, _, ok := strings.Cut(fields[0], "=")
	return ok && postgresDSNKeywords[strings.ToLower(key)]
}
