package factory

import (
	"fmt"
	"strings"

	"github.com/gatewarden/gatewarden/internal/journal"
	"github.com/gatewarden/gatewarden/internal/journal/postgres"
	"github.com/gatewarden/gatewarden/internal/journal/sqlite"
)

// FromDSN builds a journal sink from a DSN. An empty DSN disables the
// journal and returns (nil, nil).
func FromDSN(dsn string) (journal.Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	lower := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return postgres.New(dsn)
	case strings.HasPrefix(lower, "sqlite://"), strings.HasPrefix(dsn, "/"), dsn == ":memory:":
		return sqlite.New(dsn)
	default:
		return nil, fmt.Errorf("unsupported journal DSN %q", dsn)
	}
}
