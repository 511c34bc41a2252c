package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hyperjump/kiku/internal/cli"
	"github.com/hyperjump/kiku/internal/session"
	"github.com/hyperjump/kiku/internal/storage"
)

func runSession() {
	if len(os.Args) < 3 {
		fmt.Println(`Usage: kiku session <subcommand> [flags]
  kiku session show             Print the session id (created if missing)
  kiku session export [file]    Write the session id to file (default: stdout)
  kiku session import <file>    Replace the session id with the one in file ("-" for stdin)
  kiku session clear            Forget the session id; a new one is created on next use`)
		os.Exit(1)
	}
	sub := os.Args[2]
	fs := flag.NewFlagSet("session "+sub, flag.ExitOnError)
	configPath, _ := commonFlags(fs)
	_ = fs.Parse(reorderArgs(os.Args[3:]))

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fail("Failed to load config: %v", err)
	}
	store := session.NewStore(cfg.Storage.SessionPath)

	switch sub {
	case "show":
		id, created, err := store.Bootstrap()
		if err != nil {
			fail("Failed to read session: %v", err)
		}
		fmt.Println(id)
		if created {
			fmt.Fprintf(os.Stderr, "New session created at %s\n", store.Path())
		}
	case "export":
		if _, _, err := store.Bootstrap(); err != nil {
			fail("Failed to read session: %v", err)
		}
		if fs.NArg() == 0 {
			if err := store.Export(os.Stdout); err != nil {
				fail("Export failed: %v", err)
			}
			fmt.Println()
			return
		}
		if err := exportSession(store, fs.Arg(0)); err != nil {
			fail("Export failed: %v", err)
		}
		fmt.Printf("Session exported to %s\n", fs.Arg(0))
	case "import":
		if fs.NArg() != 1 {
			fmt.Println("Usage: kiku session import <file>")
			os.Exit(1)
		}
		id, err := importSession(store, fs.Arg(0), os.Stdin)
		if err != nil {
			fail("Import failed: %v", err)
		}
		fmt.Printf("Session imported: %s\nDocuments of that session are now listed; restart a running daemon to pick it up.\n", id)
	case "clear":
		if err := store.Clear(); err != nil {
			fail("Clear failed: %v", err)
		}
		fmt.Println("Session cleared. A new session is created on next use.")
	default:
		fail("Unknown session subcommand: %s", sub)
	}
}

func exportSession(store *session.Store, path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if err := store.Export(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func importSession(store *session.Store, path string, stdin io.Reader) (string, error) {
	if path == "-" {
		return store.Import(stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return store.Import(f)
}

// statusResponse is the shape of the status command's JSON output.
type statusResponse struct {
	SessionID        string `json:"session_id"`
	BackendURL       string `json:"backend_url"`
	BackendReachable bool   `json:"backend_reachable"`
	BackendError     string `json:"backend_error,omitempty"`
	Documents        int    `json:"documents"`
	ReadyDocuments   int    `json:"ready_documents"`
	SavedChats       int    `json:"saved_chats"`
	DatabasePath     string `json:"database_path"`
	IndexPath        string `json:"index_path"`
	SessionPath      string `json:"session_path"`
	DiskUsageBytes   int64  `json:"disk_usage_bytes"`
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath, debug := commonFlags(fs)
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])
	format := parseFormat(*outputFormat)

	c := mustSetup(*configPath, *debug)
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	status := statusResponse{
		SessionID:    c.SessionID,
		BackendURL:   c.Client.BaseURL(),
		DatabasePath: c.Config.Storage.DatabasePath,
		IndexPath:    c.Config.Storage.IndexPath,
		SessionPath:  c.Sessions.Path(),
	}
	if list, err := c.Client.ListDocuments(ctx); err != nil {
		status.BackendError = errorMessage(err)
	} else {
		status.BackendReachable = true
		status.Documents = len(list.Documents)
		for _, d := range list.Documents {
			if d.Ready() {
				status.ReadyDocuments++
			}
		}
	}
	if transcripts, err := c.Store.ListAll(ctx); err == nil {
		status.SavedChats = len(transcripts)
	}
	dbBytes, err := storage.DatabaseFootprint(c.Config.Storage.DatabasePath)
	exitIfErr(c, err, "Failed to measure database")
	otherBytes, err := storage.DiskUsageBytes(c.Config.Storage.IndexPath, c.Sessions.Path())
	exitIfErr(c, err, "Failed to measure local state")
	status.DiskUsageBytes = dbBytes + otherBytes

	if format == cli.OutputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(status)
		return
	}
	writeStatusText(os.Stdout, status)
}

func writeStatusText(w io.Writer, s statusResponse) {
	fmt.Fprintf(w, "Session:     %s\n", s.SessionID)
	fmt.Fprintf(w, "Backend:     %s\n", s.BackendURL)
	if s.BackendReachable {
		fmt.Fprintf(w, "Documents:   %d (%d ready)\n", s.Documents, s.ReadyDocuments)
	} else {
		fmt.Fprintf(w, "Documents:   unavailable (%s)\n", s.BackendError)
	}
	fmt.Fprintf(w, "Saved chats: %d\n", s.SavedChats)
	fmt.Fprintf(w, "Database:    %s\n", s.DatabasePath)
	fmt.Fprintf(w, "Index:       %s\n", s.IndexPath)
	fmt.Fprintf(w, "Disk usage:  %s\n", cli.FormatFileSize(s.DiskUsageBytes))
}
