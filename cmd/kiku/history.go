package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/hyperjump/kiku/internal/cli"
	"github.com/hyperjump/kiku/internal/models"
)

func printHistoryUsage() {
	fmt.Println(`Usage: kiku history <subcommand> [flags]
  kiku history show <doc-id>        Print the saved chat of a document
  kiku history clear <doc-id>       Delete the saved chat of a document
  kiku history clear-all --yes      Delete every saved chat
  kiku history list                 List documents with a saved chat
  kiku history search <query>       Search saved chats
  kiku history reindex              Rebuild the search index from saved chats

While the daemon runs it holds the index: search with --server and stop it before reindex.`)
}

func runHistory() {
	if len(os.Args) < 3 {
		printHistoryUsage()
		os.Exit(1)
	}
	sub := os.Args[2]
	fs := flag.NewFlagSet("history "+sub, flag.ExitOnError)
	configPath, debug := commonFlags(fs)
	outputFormat := fs.String("output", "text", "output format: text or json")
	serverURL := fs.String("server", "", "local API URL of a running daemon (search only)")
	limit := fs.Int("limit", 10, "number of results (search only)")
	docFilter := fs.String("doc", "", "only search the chat of this document (search only)")
	fuzzy := fs.Bool("fuzzy", false, "enable typo tolerance (search only)")
	yes := fs.Bool("yes", false, "confirm clear-all")
	_ = fs.Parse(reorderArgs(os.Args[3:]))
	format := parseFormat(*outputFormat)

	if sub == "search" && *serverURL != "" {
		q := &models.HistoryQuery{Query: joinArgs(fs.Args()), Limit: *limit, DocumentID: *docFilter, Fuzzy: *fuzzy}
		if err := q.Validate(); err != nil {
			fail("%v", err)
		}
		resp, err := historySearchViaHTTP(*serverURL, q)
		if err != nil {
			fail("Search failed: %v", err)
		}
		if err := cli.WriteHistoryHits(os.Stdout, resp, format); err != nil {
			fail("Output failed: %v", err)
		}
		return
	}

	c := mustSetup(*configPath, *debug)
	defer c.Close()
	ctx := context.Background()

	switch sub {
	case "show":
		if fs.NArg() != 1 {
			fmt.Println("Usage: kiku history show <doc-id>")
			c.Close()
			os.Exit(1)
		}
		msgs, found, err := c.Store.GetHistory(ctx, fs.Arg(0))
		exitIfErr(c, err, "Failed to read chat")
		if !found && format == cli.OutputText {
			fmt.Printf("No saved chat for %s\n", fs.Arg(0))
			return
		}
		_ = cli.WriteTranscript(os.Stdout, msgs, format)
	case "clear":
		if fs.NArg() != 1 {
			fmt.Println("Usage: kiku history clear <doc-id>")
			c.Close()
			os.Exit(1)
		}
		exitIfErr(c, c.Store.DeleteHistory(ctx, fs.Arg(0)), "Failed to clear chat")
		fmt.Printf("Chat cleared: %s\n", fs.Arg(0))
	case "clear-all":
		if !*yes {
			fmt.Println("This deletes every saved chat. Re-run with --yes to confirm.")
			c.Close()
			os.Exit(1)
		}
		exitIfErr(c, c.Store.ClearAll(ctx), "Failed to clear chats")
		fmt.Println("All chats cleared.")
	case "list":
		transcripts, err := c.Store.ListAll(ctx)
		exitIfErr(c, err, "Failed to list chats")
		writeTranscriptList(os.Stdout, transcripts, format)
	case "search":
		q := &models.HistoryQuery{Query: joinArgs(fs.Args()), Limit: *limit, DocumentID: *docFilter, Fuzzy: *fuzzy}
		if err := q.Validate(); err != nil {
			c.Close()
			fail("%v", err)
		}
		exitIfErr(c, c.openIndex(), "Failed to open search index")
		resp, err := c.Index.Search(ctx, q)
		exitIfErr(c, err, "Search failed")
		_ = cli.WriteHistoryHits(os.Stdout, resp, format)
	case "reindex":
		exitIfErr(c, c.openIndex(), "Failed to open search index")
		n, err := c.rebuildIndex(ctx)
		exitIfErr(c, err, "Reindex failed")
		fmt.Printf("Indexed %d message(s)\n", n)
	default:
		fmt.Printf("Unknown history subcommand: %s\n", sub)
		printHistoryUsage()
		c.Close()
		os.Exit(1)
	}
}

type transcriptSummary struct {
	DocumentID string    `json:"document_id"`
	Messages   int       `json:"messages"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func writeTranscriptList(w io.Writer, transcripts []models.Transcript, format cli.OutputFormat) {
	summaries := make([]transcriptSummary, 0, len(transcripts))
	for _, t := range transcripts {
		summaries = append(summaries, transcriptSummary{DocumentID: t.DocumentID, Messages: len(t.Messages), UpdatedAt: t.UpdatedAt})
	}
	if format == cli.OutputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(summaries)
		return
	}
	if len(summaries) == 0 {
		fmt.Fprintln(w, "No saved chats.")
		return
	}
	for _, s := range summaries {
		fmt.Fprintf(w, "%-40s %4d message(s)  updated %s\n", s.DocumentID, s.Messages, s.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
}

func historySearchViaHTTP(serverURL string, q *models.HistoryQuery) (*models.HistorySearchResponse, error) {
	params := url.Values{}
	params.Set("q", q.Query)
	params.Set("limit", strconv.Itoa(q.Limit))
	if q.DocumentID != "" {
		params.Set("document_id", q.DocumentID)
	}
	if q.Fuzzy {
		params.Set("fuzzy", "true")
	}
	resp, err := http.Get(serverURL + "/api/v1/history/search?" + params.Encode())
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	var out models.HistorySearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}
