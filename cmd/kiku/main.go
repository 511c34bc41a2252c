// Package main is the kiku CLI entry point.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hyperjump/kiku/internal/chat"
	"github.com/hyperjump/kiku/internal/cli"
	"github.com/hyperjump/kiku/internal/config"
	"github.com/hyperjump/kiku/internal/models"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/kiku/config.yaml"

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory; if that exists it is used. When neither
// exists, built-in defaults are used. Returns the config and the path that was
// actually loaded ("" for built-in defaults).
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
		if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
			return config.Default(), "", nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "daemon":
		runDaemon()
	case "documents", "docs":
		runDocuments()
	case "upload":
		runUpload()
	case "inspect":
		runInspect()
	case "ask":
		runAsk()
	case "chat":
		runChat()
	case "history":
		runHistory()
	case "session":
		runSession()
	case "status":
		runStatus()
	case "version", "--version", "-v":
		fmt.Printf("kiku version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

// fail prints a message to stderr and exits non-zero.
func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// errorMessage prefers the backend's detail over the wrapped error text.
func errorMessage(err error) string {
	if detail := models.ErrorDetail(err); detail != "" {
		return detail
	}
	return err.Error()
}

// sendErrorMessage describes why a question was not sent.
func sendErrorMessage(err error) string {
	switch {
	case errors.Is(err, chat.ErrNotProcessed):
		return "Document is still being processed. Please wait until it is ready."
	case errors.Is(err, chat.ErrSendInFlight):
		return "Please wait for the current answer."
	case models.IsValidation(err):
		var v *models.ValidationError
		errors.As(err, &v)
		return "Question " + v.Reason
	default:
		return errorMessage(err)
	}
}

func parseFormat(s string) cli.OutputFormat {
	format, err := cli.ParseFormat(s)
	if err != nil {
		fail("%v", err)
	}
	return format
}

// joinArgs joins positional args with spaces so multi-word input works the same
// with or without shell quoting.
func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// reorderArgs moves any flags (and their values) that appear after positional
// arguments to the front so that flag.Parse sees them. The flag package stops
// at the first non-flag argument.
func reorderArgs(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

// commonFlags registers the flags every command shares.
func commonFlags(fs *flag.FlagSet) (configPath *string, debug *bool) {
	configPath = fs.String("config", defaultConfigPath, "config file path")
	debug = fs.Bool("debug", false, "enable debug logging")
	return configPath, debug
}

func printUsage() {
	fmt.Println(`kiku - Ask questions about your documents

Usage:
  kiku daemon [flags]                    Run the local API, document sync, and drop folder
  kiku documents [flags]                 List documents of this session
  kiku upload [flags] <file>...          Upload documents
  kiku inspect [flags] <file>            Show what kiku can read from a file
  kiku ask [flags] <doc-id> <question>   Ask one question about a document
  kiku chat [flags] <doc-id>             Chat about a document interactively
  kiku history <subcommand>              Manage saved chats (show, clear, clear-all, list, search, reindex)
  kiku session <subcommand>              Manage the session id (show, export, import, clear)
  kiku status [flags]                    Show session, backend, and local storage status
  kiku version                           Show version
  kiku help                              Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/kiku/config.yaml, or ./config.yaml)
  --debug            Enable debug logging
  --output string    Output format: text or json (default: text)

Daemon Flags:
  --upload-existing  Also upload files already present in the drop folders at startup
  --ephemeral        Keep chat history in memory only

Documents Flags:
  --watch            Keep polling and print the list whenever it changes

History Search Flags:
  --server string    Local API URL of a running daemon (default: direct index access)
  --limit int        Number of results (default: 10)
  --doc string       Only search the chat of this document
  --fuzzy            Enable typo tolerance

Examples:
  kiku daemon
  kiku upload manual.pdf scan.png
  kiku documents --watch
  kiku ask doc-123 how often are pumps serviced
  kiku chat doc-123
  kiku history search --server http://localhost:8787 maintenance
  kiku session export my-session.txt
  kiku status --output json`)
}
