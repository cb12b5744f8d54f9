// internal/artifact/db.go

package artifact

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/kingrea/The-Kiln/internal/pipeline"
)

// DBFileName is the per-task sqlite database inside the artifacts directory.
const DBFileName = "store.db"

type dbHandle struct {
	conn *sql.DB
}

func (h *dbHandle) close() error {
	if h == nil || h.conn == nil {
		return nil
	}
	return h.conn.Close()
}

// DB opens the task's sqlite database, creating it on first use. The handle
// is cached for the life of the scope and closed by Close. The database file
// is recorded as an artifact the first time it is opened.
func (s *Scope) DB(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return s.db.conn, nil
	}

	dir := s.task.ArtifactsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fsErr("mkdir", dir, err)
	}
	full := filepath.Join(dir, DBFileName)

	conn, err := sql.Open("sqlite", full)
	if err != nil {
		return nil, fmt.Errorf("artifact: open database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("artifact: ping database: %w", err)
	}
	if err := s.record(pipeline.DirArtifacts, DBFileName); err != nil {
		conn.Close()
		return nil, err
	}
	s.db = &dbHandle{conn: conn}
	return conn, nil
}
