// Copyright 2026 The Jobdeck Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"path/filepath"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Fatal("Open with empty path succeeded")
	}
}

func TestPoolSchemaAndQueries(t *testing.T) {
	pool, err := Open(Config{
		Path:     filepath.Join(t.TempDir(), "test.db"),
		PoolSize: 2,
		Schema: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteTransient(conn,
				"CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY, v TEXT)", nil)
		},
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer pool.Close()

	ctx := context.Background()
	conn, err := pool.Take(ctx)
	if err != nil {
		t.Fatalf("Take failed: %v", err)
	}
	err = sqlitex.Execute(conn, "INSERT INTO kv (k, v) VALUES (?, ?)", &sqlitex.ExecOptions{
		Args: []any{"greeting", "hello"},
	})
	pool.Put(conn)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	// The schema hook must have run on this second connection too.
	conn2, err := pool.Take(ctx)
	if err != nil {
		t.Fatalf("second Take failed: %v", err)
	}
	defer pool.Put(conn2)

	var got string
	err = sqlitex.Execute(conn2, "SELECT v FROM kv WHERE k = ?", &sqlitex.ExecOptions{
		Args: []any{"greeting"},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			got = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if got != "hello" {
		t.Errorf("read %q, want %q", got, "hello")
	}

	// The error-path idiom `defer pool.Put(conn)` can see a nil conn.
	pool.Put(nil)
}
