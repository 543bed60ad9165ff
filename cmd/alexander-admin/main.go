// Package main is the entry point for the Alexander Drive admin CLI.
// It drives the engine directly against the configured database and
// blob store.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/prn-tf/alexander-drive/internal/app"
	"github.com/prn-tf/alexander-drive/internal/config"
	"github.com/prn-tf/alexander-drive/internal/domain"
	"github.com/prn-tf/alexander-drive/internal/lock"
	"github.com/prn-tf/alexander-drive/internal/pkg/crypto"
	"github.com/prn-tf/alexander-drive/internal/repository"
	"github.com/prn-tf/alexander-drive/internal/service"
)

// Version information (set at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

type options struct {
	configPath string
	verbose    bool
	dryRun     bool
	limit      int
	offset     int
}

func main() {
	var opts options
	pflag.StringVarP(&opts.configPath, "config", "c", "", "path to config file")
	pflag.BoolVarP(&opts.verbose, "verbose", "v", false, "log engine activity to stderr")
	pflag.BoolVar(&opts.dryRun, "dry-run", false, "gc: report what would be removed")
	pflag.IntVar(&opts.limit, "limit", 100, "list: maximum files to show")
	pflag.IntVar(&opts.offset, "offset", 0, "list: files to skip")
	pflag.Usage = printUsage
	pflag.Parse()

	if pflag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	command, args := pflag.Arg(0), pflag.Args()[1:]

	switch command {
	case "version":
		fmt.Printf("Alexander Drive Admin CLI\n")
		fmt.Printf("Version: %s\n", Version)
		fmt.Printf("Build Time: %s\n", BuildTime)
		fmt.Printf("Git Commit: %s\n", GitCommit)
		return

	case "help", "-h", "--help":
		printUsage()
		return
	}

	cmd, ok := commands[command]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
	if len(args) != cmd.args {
		fmt.Fprintf(os.Stderr, "Usage: alexander-admin %s %s\n", command, cmd.usage)
		os.Exit(1)
	}

	if err := withEngine(opts, func(ctx context.Context, a *app.App) error {
		return cmd.run(ctx, a, opts, args)
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", describe(err))
		os.Exit(1)
	}
}

type subcommand struct {
	args  int
	usage string
	run   func(ctx context.Context, a *app.App, opts options, args []string) error
}

var commands = map[string]subcommand{
	"upload":    {args: 2, usage: "<owner-id> <path>", run: runUpload},
	"download":  {args: 3, usage: "<owner-id> <file-id> <path>", run: runDownload},
	"list":      {args: 1, usage: "<owner-id>", run: runList},
	"verify":    {args: 2, usage: "<owner-id> <file-id>", run: runVerify},
	"delete":    {args: 2, usage: "<owner-id> <file-id>", run: runDelete},
	"summary":   {args: 1, usage: "<owner-id>", run: runSummary},
	"set-quota": {args: 2, usage: "<owner-id> <bytes>", run: runSetQuota},
	"stats":     {args: 0, usage: "", run: runStats},
	"gc":        {args: 0, usage: "[--dry-run]", run: runGC},
}

func withEngine(opts options, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := zerolog.Nop()
	if opts.verbose {
		cfg.Logging.Output = "stderr"
		l, closer, err := app.NewLogger(cfg.Logging)
		if err != nil {
			return err
		}
		defer closer.Close()
		logger = l
	}

	ctx := context.Background()
	// One operation per invocation. A running server without Redis shares
	// no locker with this process; the index's digest lock keeps the two
	// from removing bytes the other references.
	a, err := app.New(ctx, cfg, logger, app.WithLocalLocker(lock.NewNoOpLocker()))
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.DB.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return fn(ctx, a)
}

func runUpload(ctx context.Context, a *app.App, _ options, args []string) error {
	owner, err := parseID("owner-id", args[0])
	if err != nil {
		return err
	}

	f, err := os.Open(args[1])
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	mime, err := mimetype.DetectReader(f)
	if err != nil {
		return fmt.Errorf("failed to detect content type: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	out, err := a.Files.Upload(ctx, service.UploadInput{
		OwnerID:      owner,
		Body:         f,
		Size:         info.Size(),
		MimeType:     mime.String(),
		OriginalName: filepath.Base(args[1]),
	})
	if err != nil {
		return err
	}

	fmt.Printf("File ID:     %s\n", out.FileID)
	fmt.Printf("Stored Name: %s\n", out.StoredName)
	fmt.Printf("Digest:      %s\n", out.ContentHash)
	fmt.Printf("Size:        %s\n", humanize.IBytes(uint64(out.Size)))
	fmt.Printf("Duplicate:   %t\n", out.IsDuplicate)
	if out.IsDuplicate {
		fmt.Printf("Saved:       %s\n", humanize.IBytes(uint64(out.BytesSaved)))
	}
	return nil
}

func runDownload(ctx context.Context, a *app.App, _ options, args []string) error {
	owner, err := parseID("owner-id", args[0])
	if err != nil {
		return err
	}
	fileID, err := parseID("file-id", args[1])
	if err != nil {
		return err
	}

	rc, file, err := a.Files.Open(ctx, fileID, owner)
	if err != nil {
		return err
	}
	defer rc.Close()

	dst, err := os.Create(args[2])
	if err != nil {
		return err
	}
	n, err := io.Copy(dst, rc)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	fmt.Printf("Wrote %s (%s) to %s\n", file.OriginalName, humanize.IBytes(uint64(n)), args[2])
	return nil
}

// runVerify re-hashes a file's stored content and compares it with the
// digest recorded in the index.
func runVerify(ctx context.Context, a *app.App, _ options, args []string) error {
	owner, err := parseID("owner-id", args[0])
	if err != nil {
		return err
	}
	fileID, err := parseID("file-id", args[1])
	if err != nil {
		return err
	}

	hasher, err := crypto.NewHasher(a.Config.Storage.HashAlgorithm)
	if err != nil {
		return err
	}

	rc, file, err := a.Files.Open(ctx, fileID, owner)
	if err != nil {
		return err
	}
	defer rc.Close()

	if !crypto.ValidateDigest(file.ContentHash, hasher.DigestLength()) {
		return fmt.Errorf("recorded digest %q is not a %s digest", file.ContentHash, hasher.Algorithm())
	}

	digest, size, err := crypto.ComputeStreamDigest(rc, hasher)
	if err != nil {
		return err
	}
	if digest != file.ContentHash || size != file.Size {
		return fmt.Errorf("content mismatch: index has %s (%d bytes), store has %s (%d bytes)",
			file.ContentHash, file.Size, digest, size)
	}

	fmt.Printf("OK %s %s (%s)\n", file.ID, digest, humanize.IBytes(uint64(size)))
	return nil
}

func runList(ctx context.Context, a *app.App, opts options, args []string) error {
	owner, err := parseID("owner-id", args[0])
	if err != nil {
		return err
	}

	res, err := a.Files.ListFiles(ctx, owner, repository.ListOptions{Limit: opts.limit, Offset: opts.offset})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSIZE\tCHARGED\tCREATED")
	for _, f := range res.Items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			f.ID, f.OriginalName,
			humanize.IBytes(uint64(f.Size)),
			humanize.IBytes(uint64(f.ChargedBytes)),
			humanize.Time(f.CreatedAt))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if res.HasMore {
		fmt.Printf("... %d total, use --offset %d for more\n", res.Total, opts.offset+len(res.Items))
	}
	return nil
}

func runDelete(ctx context.Context, a *app.App, _ options, args []string) error {
	owner, err := parseID("owner-id", args[0])
	if err != nil {
		return err
	}
	fileID, err := parseID("file-id", args[1])
	if err != nil {
		return err
	}

	out, err := a.Files.Delete(ctx, service.DeleteInput{FileID: fileID, OwnerID: owner})
	if err != nil {
		return err
	}

	fmt.Printf("Deleted %s\n", fileID)
	fmt.Printf("Logical bytes freed:  %s\n", humanize.IBytes(uint64(out.LogicalBytesFreed)))
	fmt.Printf("Physical bytes freed: %s\n", humanize.IBytes(uint64(out.BytesFreed)))
	return nil
}

func runSummary(ctx context.Context, a *app.App, _ options, args []string) error {
	owner, err := parseID("owner-id", args[0])
	if err != nil {
		return err
	}

	s, err := a.Files.GetStorageSummary(ctx, owner)
	if err != nil {
		return err
	}
	printSummary(s)
	return nil
}

func runSetQuota(ctx context.Context, a *app.App, _ options, args []string) error {
	owner, err := parseID("owner-id", args[0])
	if err != nil {
		return err
	}
	quota, err := parseQuota(args[1])
	if err != nil {
		return err
	}

	s, err := a.Files.SetQuota(ctx, owner, quota)
	if err != nil {
		return err
	}
	printSummary(s)
	return nil
}

func runStats(ctx context.Context, a *app.App, _ options, _ []string) error {
	s, err := a.Files.GetSystemStats(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Accounts:\t%d\n", s.Accounts)
	fmt.Fprintf(w, "Live files:\t%d\n", s.LiveFiles)
	fmt.Fprintf(w, "Deleted files:\t%d\n", s.DeletedFiles)
	fmt.Fprintf(w, "Total uploaded:\t%s\n", humanize.IBytes(uint64(s.TotalUploaded)))
	fmt.Fprintf(w, "Actual storage:\t%s\n", humanize.IBytes(uint64(s.ActualStorage)))
	fmt.Fprintf(w, "Saved:\t%s (%.1f%%)\n", humanize.IBytes(uint64(s.Saved)), s.SavingsPercent)
	fmt.Fprintf(w, "Blobs:\t%d (%s)\n", s.Blobs, humanize.IBytes(uint64(s.BlobBytes)))
	fmt.Fprintf(w, "Pending removal:\t%d (%s)\n", s.PendingRemovalBlobs, humanize.IBytes(uint64(s.PendingRemovalBytes)))
	return w.Flush()
}

func runGC(ctx context.Context, a *app.App, opts options, _ []string) error {
	var res service.GCResult
	if opts.dryRun {
		res = a.GC.RunDry(ctx)
	} else {
		res = a.GC.RunOnce(ctx)
	}
	if res.Skipped {
		return errors.New("another collection is in progress")
	}

	return reportGC(os.Stdout, res)
}

// reportGC prints a collector run. A run with failed blobs is an error so
// the exit status shows it; the log has the per-blob causes.
func reportGC(w io.Writer, res service.GCResult) error {
	verb := "Removed"
	if res.DryRun {
		verb = "Would remove"
	}
	fmt.Fprintf(w, "%s %d blobs (%s) in %s\n", verb, res.BlobsDeleted, humanize.IBytes(uint64(res.BytesFreed)), res.Duration)
	if res.BlobsRevived > 0 {
		fmt.Fprintf(w, "Skipped %d blobs referenced again\n", res.BlobsRevived)
	}
	if res.PendingRemaining {
		fmt.Fprintln(w, "More blobs are pending; run again")
	}
	if res.Errors > 0 {
		return fmt.Errorf("%d blobs failed, rerun with --verbose for details", res.Errors)
	}
	return nil
}

func printSummary(s *service.StorageSummary) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Owner:\t%s\n", s.OwnerID)
	fmt.Fprintf(w, "Files:\t%d\n", s.FileCount)
	fmt.Fprintf(w, "Total uploaded:\t%s\n", humanize.IBytes(uint64(s.TotalUploaded)))
	fmt.Fprintf(w, "Actual storage:\t%s\n", humanize.IBytes(uint64(s.ActualStorage)))
	fmt.Fprintf(w, "Saved:\t%s (%.1f%%)\n", humanize.IBytes(uint64(s.Saved)), s.SavingsPercent)
	fmt.Fprintf(w, "Used:\t%s of %s (%.1f%%)\n", humanize.IBytes(uint64(s.Used)), humanize.IBytes(uint64(s.Quota)), s.UsagePercent)
	fmt.Fprintf(w, "Remaining:\t%s\n", humanize.IBytes(uint64(s.Remaining)))
	_ = w.Flush()
}

// parseQuota accepts a plain byte count or a size such as 10GiB.
func parseQuota(s string) (int64, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid quota %q: %w", s, err)
	}
	return int64(n), nil
}

func parseID(name, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	return id, nil
}

// describe prefixes engine failures with their kind so scripts can match on it.
func describe(err error) string {
	if domain.KindOf(err) == nil {
		return err.Error()
	}
	return fmt.Sprintf("[%s] %v", domain.KindName(err), err)
}

func printUsage() {
	fmt.Println(`Alexander Drive Admin CLI

Usage:
  alexander-admin [flags] <command> [arguments]

Commands:
  upload      <owner-id> <path>             Store a file, deduplicating its content
  download    <owner-id> <file-id> <path>   Write a file's content to path
  list        <owner-id>                    List an owner's files
  verify      <owner-id> <file-id>          Re-hash a file's content against the index
  delete      <owner-id> <file-id>          Delete a file and release its content
  summary     <owner-id>                    Show an owner's storage ledger
  set-quota   <owner-id> <bytes>            Set an owner's quota (accepts 10GiB)
  stats       Show system-wide storage totals
  gc          Remove blobs whose removal is pending
  version     Print version information
  help        Show this help message

Flags:
  -c, --config    Path to config file
  -v, --verbose   Log engine activity to stderr
      --dry-run   gc: report without removing
      --limit     list: maximum files to show (default 100)
      --offset    list: files to skip

Examples:
  alexander-admin upload 6f1c... ./report.pdf
  alexander-admin set-quota 6f1c... 5GiB
  alexander-admin gc --dry-run`)
}
