// Package conn resolves a named session's PostgreSQL connection string
// (C1): DSN secret, then libpq conninfo secret, then discrete fields,
// each falling back to an AFPSQL_* environment variable, down to the
// engine's hard defaults. Grounded on the teacher's fluent RConf/
// Datasource connection-string assembly in builder.go, generalized to
// the session-config/env fallback chain of the upstream system.
package conn

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cmnspore/agent-first-psql/internal/types"
)

const (
	defaultHost   = "127.0.0.1"
	defaultPort   = 5432
	defaultUser   = "postgres"
	defaultDBName = "postgres"
)

// ResolveConnString builds the libpq URL connection string for a session,
// in priority order: dsn_secret (used verbatim), conninfo_secret (parsed
// as libpq key=value pairs and re-emitted as a URL, substituting
// 127.0.0.1 for a Unix-socket host), then discrete host/port/user/dbname/
// password fields, each falling back to its AFPSQL_* environment
// variable and finally to the engine default.
func ResolveConnString(cfg types.SessionConfig) (string, error) {
	if dsn := firstNonEmpty(derefStr(cfg.DSNSecret), os.Getenv("AFPSQL_DSN_SECRET")); dsn != "" {
		return dsn, nil
	}

	if conninfo := firstNonEmpty(derefStr(cfg.ConninfoSecret), os.Getenv("AFPSQL_CONNINFO_SECRET")); conninfo != "" {
		parsed, err := parseConninfo(conninfo)
		if err != nil {
			return "", fmt.Errorf("invalid conninfo: %w", err)
		}
		return configToURL(parsed), nil
	}

	host := firstNonEmpty(derefStr(cfg.Host), os.Getenv("AFPSQL_HOST"), defaultHost)

	port := defaultPort
	if cfg.Port != nil {
		port = int(*cfg.Port)
	} else if envPort := os.Getenv("AFPSQL_PORT"); envPort != "" {
		if p, err := strconv.Atoi(envPort); err == nil {
			port = p
		}
	}

	user := firstNonEmpty(derefStr(cfg.User), os.Getenv("AFPSQL_USER"), defaultUser)
	dbname := firstNonEmpty(derefStr(cfg.DBName), os.Getenv("AFPSQL_DBNAME"), defaultDBName)
	password := firstNonEmpty(derefStr(cfg.PasswordSecret), os.Getenv("AFPSQL_PASSWORD_SECRET"))

	return buildURL(user, password, host, port, dbname), nil
}

// conninfoConfig is the parsed result of a libpq key=value conninfo
// string: only the fields config_to_url needs.
type conninfoConfig struct {
	host     string
	isSocket bool
	port     int
	user     string
	dbname   string
	password string
}

// parseConninfo parses a libpq "key=value key2=value2" connection string.
// Values may be single-quoted, with backslash escapes inside the quotes,
// per libpq's conninfo grammar.
func parseConninfo(s string) (conninfoConfig, error) {
	cfg := conninfoConfig{port: -1}
	i := 0
	n := len(s)
	for i < n {
		for i < n && isSpace(s[i]) {
			i++
		}
		if i >= n {
			break
		}
		keyStart := i
		for i < n && s[i] != '=' {
			i++
		}
		if i >= n {
			return cfg, fmt.Errorf("missing '=' after %q", s[keyStart:])
		}
		key := s[keyStart:i]
		i++ // skip '='

		var value string
		if i < n && s[i] == '\'' {
			i++
			var b strings.Builder
			for i < n && s[i] != '\'' {
				if s[i] == '\\' && i+1 < n {
					i++
				}
				b.WriteByte(s[i])
				i++
			}
			if i >= n {
				return cfg, fmt.Errorf("unterminated quoted value for %q", key)
			}
			i++ // closing quote
			value = b.String()
		} else {
			valStart := i
			for i < n && !isSpace(s[i]) {
				i++
			}
			value = s[valStart:i]
		}

		switch strings.ToLower(key) {
		case "host", "hostaddr":
			cfg.host = value
			cfg.isSocket = strings.HasPrefix(value, "/")
		case "port":
			if p, err := strconv.Atoi(value); err == nil {
				cfg.port = p
			}
		case "user":
			cfg.user = value
		case "dbname":
			cfg.dbname = value
		case "password":
			cfg.password = value
		}
	}
	return cfg, nil
}

// configToURL renders a parsed conninfo as a postgresql:// URL, mapping a
// Unix-socket host to 127.0.0.1 since the downstream pgx driver speaks
// TCP only.
func configToURL(cfg conninfoConfig) string {
	host := cfg.host
	if host == "" || cfg.isSocket {
		host = defaultHost
	}
	port := cfg.port
	if port <= 0 {
		port = defaultPort
	}
	user := cfg.user
	if user == "" {
		user = defaultUser
	}
	dbname := cfg.dbname
	if dbname == "" {
		dbname = defaultDBName
	}
	return buildURL(user, cfg.password, host, port, dbname)
}

func buildURL(user, password, host string, port int, dbname string) string {
	auth := user
	if password != "" {
		auth = user + ":" + password
	}
	return fmt.Sprintf("postgresql://%s@%s:%d/%s", auth, host, port, dbname)
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
