// Command loom-migrate applies the state database's schema migrations
// against a repository's .loom/state.db and reports the resulting
// PRAGMA user_version, without doing anything else loom's CLI does. It
// exists so a deployment can run schema migrations as a discrete,
// auditable step ahead of rolling out a new loom binary, the same
// separation the teacher draws between cmd/bd's interactive subcommands
// and its standalone migrate_dolt_cmd.go.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/jjdriver"
	"github.com/loomhq/loom/internal/store"
)

func main() {
	repoFlag := flag.String("repo", "", "repository root (default: auto-discover the enclosing jj repo)")
	flag.Parse()

	root := *repoFlag
	if root == "" {
		r, err := jjdriver.FindRoot(".")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		root = r
	}

	cfg, err := config.Load(root)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.WorkspacesDir, 0o750); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	pool, err := store.Open(cfg.DatabasePath, store.DefaultConfig())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = pool.Close() }()

	version, err := userVersion(context.Background(), pool.DB)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("%s: schema version %d\n", cfg.DatabasePath, version)
}

func userVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&v)
	return v, err
}
