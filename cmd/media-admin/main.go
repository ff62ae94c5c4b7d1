package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/tendant/simple-media/pkg/simplemedia/config"
	"github.com/tendant/simple-media/pkg/simplemedia/scan"
)

const usage = `Simple Media Admin CLI

Maintenance commands run against the configured database and storage backend.

USAGE:
  media-admin <command> [options]

COMMANDS:
  list            List the media of one owner
  orphans         Find stored objects no record references, and delete them
  purge-expired   Delete media whose expiry has passed
  delete-owner    Delete every media record of an owner (account removal)

ENVIRONMENT VARIABLES:
  Same as media-server (DATABASE_URL, STORAGE_BACKEND, S3_*, FS_*, ...).
  A .env file in the current directory is loaded first.

OPTIONS:
  --owner-id=<uuid>      Owner for list and delete-owner
  --prefix=<path>        Storage prefix to scan (orphans, repeatable)
  --min-age=<duration>   Skip objects newer than this (orphans, default: 1h)
  --delete               Delete orphans instead of reporting them
  --json                 Output as JSON

EXAMPLES:
  media-admin list --owner-id=550e8400-e29b-41d4-a716-446655440000
  media-admin orphans --prefix=originals/ --min-age=24h
  media-admin orphans --delete --json
  media-admin purge-expired
`

type flags struct {
	ownerID  uuid.UUID
	prefixes []string
	minAge   time.Duration
	delete   bool
	json     bool
}

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}
	command := os.Args[1]
	if command == "help" || command == "--help" || command == "-h" {
		fmt.Println(usage)
		os.Exit(0)
	}

	f, err := parseFlags(os.Args[2:])
	if err != nil {
		log.Fatalf("%v", err)
	}

	cfg, err := config.Load(config.WithEnv())
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx := context.Background()
	rt, err := cfg.Build(ctx, logger)
	if err != nil {
		log.Fatalf("Failed to build runtime: %v", err)
	}
	defer rt.Close()

	switch command {
	case "list":
		err = handleList(ctx, rt, f)
	case "orphans":
		err = handleOrphans(ctx, rt, f, logger)
	case "purge-expired":
		err = handlePurge(ctx, rt, f)
	case "delete-owner":
		err = handleDeleteOwner(ctx, rt, f)
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		fmt.Println(usage)
		os.Exit(1)
	}
	if err != nil {
		rt.Close()
		log.Fatalf("%s failed: %v", command, err)
	}
}

func parseFlags(args []string) (flags, error) {
	f := flags{minAge: scan.DefaultMinAge}
	for _, arg := range args {
		key, value := parseFlag(arg)
		switch key {
		case "owner-id":
			id, err := uuid.Parse(value)
			if err != nil {
				return f, fmt.Errorf("invalid --owner-id: %w", err)
			}
			f.ownerID = id
		case "prefix":
			f.prefixes = append(f.prefixes, value)
		case "min-age":
			d, err := time.ParseDuration(value)
			if err != nil {
				return f, fmt.Errorf("invalid --min-age: %w", err)
			}
			f.minAge = d
		case "delete":
			f.delete = true
		case "json":
			f.json = true
		case "":
			return f, fmt.Errorf("unexpected argument %q", arg)
		default:
			return f, fmt.Errorf("unknown option --%s", key)
		}
	}
	return f, nil
}

func parseFlag(arg string) (string, string) {
	if !strings.HasPrefix(arg, "--") {
		return "", ""
	}
	key, value, found := strings.Cut(arg[2:], "=")
	if !found {
		return key, "true"
	}
	return key, value
}

func requireOwner(f flags) error {
	if f.ownerID == uuid.Nil {
		return fmt.Errorf("--owner-id is required")
	}
	return nil
}

func handleList(ctx context.Context, rt *config.Runtime, f flags) error {
	if err := requireOwner(f); err != nil {
		return err
	}
	items, err := rt.Service.ListMediaByOwner(ctx, f.ownerID)
	if err != nil {
		return err
	}
	if f.json {
		return printJSON(items)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID\tNAME\tTYPE\tSTATUS\tSIZE\tDOWNLOADS\tCREATED\n")
	for _, m := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			m.ID.String()[:8]+"...",
			truncate(m.OriginalName, 24),
			m.MimeType,
			m.Status,
			m.Size,
			m.Analytics.DownloadCount,
			m.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	w.Flush()
	fmt.Printf("\n%d media\n", len(items))
	return nil
}

func handleOrphans(ctx context.Context, rt *config.Runtime, f flags, logger *slog.Logger) error {
	s := scan.New(rt.Store, rt.Repository, logger)
	res, err := s.Scan(ctx, scan.Options{
		Prefixes: f.prefixes,
		MinAge:   f.minAge,
		DryRun:   !f.delete,
		OnProgress: func(checked, orphans int) {
			if !f.json {
				fmt.Fprintf(os.Stderr, "checked %d objects, %d orphans\n", checked, orphans)
			}
		},
	})
	if err != nil {
		return err
	}
	if f.json {
		return printJSON(res)
	}

	for _, p := range res.Orphans {
		fmt.Println(p)
	}
	fmt.Printf("\nchecked: %d  skipped (recent): %d  orphans: %d  deleted: %d  failed: %d\n",
		res.Checked, res.Skipped, len(res.Orphans), res.Deleted, len(res.Failed))
	if !f.delete && len(res.Orphans) > 0 {
		fmt.Println("run again with --delete to remove them")
	}
	return nil
}

func handlePurge(ctx context.Context, rt *config.Runtime, f flags) error {
	n, err := rt.Service.PurgeExpired(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	return report(f, "purged", n)
}

func handleDeleteOwner(ctx context.Context, rt *config.Runtime, f flags) error {
	if err := requireOwner(f); err != nil {
		return err
	}
	n, err := rt.Service.DeleteMediaByOwner(ctx, f.ownerID)
	if err != nil {
		return err
	}
	return report(f, "deleted", n)
}

func report(f flags, verb string, n int) error {
	if f.json {
		return printJSON(map[string]int{verb: n})
	}
	fmt.Printf("%s %d media\n", verb, n)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
