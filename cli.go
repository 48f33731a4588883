package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/thunder45/translate-control-plane/internal/store"
)

const version = "0.1.0"

// RunCLI handles subcommand execution. Returns true if a subcommand was
// handled, so main can skip starting the server.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("translate-control-plane %s\n", version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "sessions":
		return cliSessions(args[1:], dbPath)
	case "backup":
		return cliBackup(args[1:], dbPath)
	default:
		return false
	}
}

func openCLIStore(dbPath string) *store.SQLiteStore {
	st, err := store.OpenSQLite(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	return st
}

func cliStatus(dbPath string) bool {
	ctx := context.Background()
	st := openCLIStore(dbPath)
	defer st.Close()

	n, err := st.CountActiveSessions(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Active sessions: %d\n", n)
	fmt.Printf("Version: %s\n", version)
	return true
}

func cliSessions(args []string, dbPath string) bool {
	ctx := context.Background()
	st := openCLIStore(dbPath)
	defer st.Close()

	if len(args) == 0 || args[0] == "list" {
		sessions, err := st.ListActiveSessions(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if len(sessions) == 0 {
			fmt.Println("No active sessions.")
			return true
		}
		for _, s := range sessions {
			age := humanize.Time(time.UnixMilli(s.CreatedAt))
			fmt.Printf("  %-24s lang=%-5s tier=%-8s listeners=%-4d paused=%v created=%s\n",
				s.SessionID, s.SourceLanguage, s.QualityTier, s.ListenerCount, s.Paused, age)
		}
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: server sessions [list]\n")
	os.Exit(1)
	return true
}

func cliBackup(args []string, dbPath string) bool {
	ctx := context.Background()
	st := openCLIStore(dbPath)
	defer st.Close()

	outPath := "controlplane-backup.db"
	if len(args) > 0 {
		outPath = args[0]
	}

	if err := st.Backup(ctx, outPath); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database backed up to %s\n", outPath)
	return true
}
