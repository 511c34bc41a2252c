package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hyperjump/kiku/internal/chat"
	"github.com/hyperjump/kiku/internal/cli"
	"github.com/hyperjump/kiku/internal/docsync"
	"github.com/hyperjump/kiku/internal/extract"
	"github.com/hyperjump/kiku/internal/models"
	"github.com/hyperjump/kiku/internal/upload"
)

func runDocuments() {
	fs := flag.NewFlagSet("documents", flag.ExitOnError)
	configPath, debug := commonFlags(fs)
	watch := fs.Bool("watch", false, "keep polling and print the list whenever it changes")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])
	format := parseFormat(*outputFormat)

	c := mustSetup(*configPath, *debug)
	defer c.Close()

	if !*watch {
		resp, err := c.Client.ListDocuments(context.Background())
		exitIfErr(c, err, docsync.DefaultFetchError)
		if err := cli.WriteDocuments(os.Stdout, resp.Documents, format); err != nil {
			exitIfErr(c, err, "Output failed")
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	fmt.Fprintf(os.Stderr, "Watching documents every %s (Ctrl+C to stop)\n", c.Config.Sync.PollInterval)
	poller := docsync.NewPoller(c.Client,
		docsync.WithInterval(c.Config.Sync.PollInterval),
		docsync.WithOverlapGuard(c.Config.Sync.SkipOverlappingOrDefault()),
		docsync.WithLogger(c.Logger),
		docsync.WithOnChange(func(docs []models.Document) {
			if format == cli.OutputText {
				fmt.Printf("\n[%s]\n", time.Now().Format("15:04:05"))
			}
			_ = cli.WriteDocuments(os.Stdout, docs, format)
		}),
		docsync.WithOnError(func(msg string) {
			fmt.Fprintln(os.Stderr, msg)
		}),
	)
	_ = poller.Run(ctx)
}

func runUpload() {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	configPath, debug := commonFlags(fs)
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(reorderArgs(os.Args[2:]))
	format := parseFormat(*outputFormat)

	if fs.NArg() < 1 {
		fmt.Println("Usage: kiku upload [flags] <file>...")
		os.Exit(1)
	}
	c := mustSetup(*configPath, *debug)
	defer c.Close()

	ctx := context.Background()
	var uploaded []*models.UploadResponse
	failed := 0
	for _, path := range fs.Args() {
		resp, err := c.Uploader.UploadFile(ctx, path)
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "Upload failed for %s: %s\n", path, errorMessage(err))
			continue
		}
		uploaded = append(uploaded, resp)
		if format == cli.OutputText {
			fmt.Printf("Uploaded %s: %s (%s)\n", resp.Filename, resp.DocumentID, resp.Status)
		}
	}
	if format == cli.OutputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if uploaded == nil {
			uploaded = []*models.UploadResponse{}
		}
		_ = enc.Encode(uploaded)
	}
	if failed > 0 {
		c.Close()
		os.Exit(1)
	}
}

func runInspect() {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	configPath, debug := commonFlags(fs)
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(reorderArgs(os.Args[2:]))
	format := parseFormat(*outputFormat)

	if fs.NArg() != 1 {
		fmt.Println("Usage: kiku inspect [flags] <file>")
		os.Exit(1)
	}
	path := fs.Arg(0)
	c := mustSetup(*configPath, *debug)
	defer c.Close()

	stat, err := os.Stat(path)
	exitIfErr(c, err, "Failed to read %s", path)
	info, err := extract.NewExtractor().Inspect(path)
	exitIfErr(c, err, "Failed to inspect %s", path)
	if err := cli.WriteInspect(os.Stdout, path, info, format); err != nil {
		exitIfErr(c, err, "Output failed")
	}
	if format == cli.OutputText {
		if err := upload.ValidateFile(filepath.Base(path), stat.Size(), c.Uploader.Rules()); err != nil {
			fmt.Printf("\nCannot upload: %v\n", err)
		}
	}
}

func runAsk() {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	configPath, debug := commonFlags(fs)
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(reorderArgs(os.Args[2:]))
	format := parseFormat(*outputFormat)

	if fs.NArg() < 2 {
		fmt.Println("Usage: kiku ask [flags] <doc-id> <question>")
		os.Exit(1)
	}
	documentID := fs.Arg(0)
	question := joinArgs(fs.Args()[1:])

	c := mustSetup(*configPath, *debug)
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	doc, err := c.Client.GetDocument(ctx, documentID)
	exitIfErr(c, err, "Failed to fetch document %s", documentID)
	coord := c.newCoordinator()
	exitIfErr(c, coord.Load(ctx, *doc), "Failed to load chat")

	reply, err := coord.Send(ctx, question)
	if err != nil {
		c.Close()
		fail("%s", sendErrorMessage(err))
	}
	if err := cli.WriteReply(os.Stdout, reply, format); err != nil {
		exitIfErr(c, err, "Output failed")
	}
}

func runChat() {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	configPath, debug := commonFlags(fs)
	_ = fs.Parse(reorderArgs(os.Args[2:]))

	if fs.NArg() != 1 {
		fmt.Println("Usage: kiku chat [flags] <doc-id>")
		os.Exit(1)
	}
	documentID := fs.Arg(0)
	c := mustSetup(*configPath, *debug)
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	doc, err := c.Client.GetDocument(ctx, documentID)
	exitIfErr(c, err, "Failed to fetch document %s", documentID)
	coord := c.newCoordinator()
	exitIfErr(c, coord.Load(ctx, *doc), "Failed to load chat")

	refresh := func(ctx context.Context) (models.Document, error) {
		d, err := c.Client.GetDocument(ctx, documentID)
		if err != nil {
			return models.Document{}, err
		}
		return *d, nil
	}
	if err := chatLoop(ctx, os.Stdin, os.Stdout, coord, refresh); err != nil {
		exitIfErr(c, err, "Chat ended")
	}
}

// chatSession is the part of a coordinator the interactive loop drives.
type chatSession interface {
	Send(ctx context.Context, question string) (models.Message, error)
	Clear(ctx context.Context) error
	Messages() []models.Message
	Document() (models.Document, bool)
	UpdateDocument(doc models.Document)
}

const chatHelp = "Commands: /history, /clear, /refresh, /help, /quit"

// chatLoop reads questions line by line from in and writes replies to out
// until EOF, /quit, or ctx is done.
func chatLoop(ctx context.Context, in io.Reader, out io.Writer, s chatSession, refresh func(context.Context) (models.Document, error)) error {
	doc, _ := s.Document()
	fmt.Fprintf(out, "Chatting about %s (%s). %s\n\n", doc.Filename, doc.DocumentID, chatHelp)
	_ = cli.WriteTranscript(out, s.Messages(), cli.OutputText)
	if !doc.Processed {
		fmt.Fprintln(out, "This document is still being processed. Use /refresh to check again.")
	}

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		fmt.Fprint(out, "> ")
		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			line = strings.TrimSpace(l)
		}

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/help":
			fmt.Fprintln(out, chatHelp)
			continue
		case "/history":
			_ = cli.WriteTranscript(out, s.Messages(), cli.OutputText)
			continue
		case "/clear":
			if err := s.Clear(ctx); err != nil {
				fmt.Fprintf(out, "Failed to clear chat: %s\n", errorMessage(err))
				continue
			}
			fmt.Fprintln(out, "Chat cleared.")
			_ = cli.WriteTranscript(out, s.Messages(), cli.OutputText)
			continue
		case "/refresh":
			d, err := refresh(ctx)
			if err != nil {
				fmt.Fprintf(out, "Failed to refresh: %s\n", errorMessage(err))
				continue
			}
			s.UpdateDocument(d)
			fmt.Fprintf(out, "Status: %s\n", cli.StatusLabel(d))
			continue
		}

		reply, err := s.Send(ctx, line)
		if err != nil {
			fmt.Fprintln(out, sendErrorMessage(err))
			continue
		}
		cli.WriteMessage(out, reply)
	}
}

var _ chatSession = (*chat.Coordinator)(nil)
