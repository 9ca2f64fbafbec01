// Command pdfsnapctl submits, inspects and cancels pdfsnap jobs from a terminal.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/cy0x6789/LandingPDFSnap/internal/client"
	"github.com/cy0x6789/LandingPDFSnap/internal/job"
)

const defaultServer = "http://localhost:8080"

const usage = `Usage: pdfsnapctl [--server URL] <command> [flags] [args]

Commands:
  submit [--output DIR] [--callback URL] [--watch] URL...
  status ID
  cancel ID
  files ID
  watch [--interval D] ID

Environment:
  PDFSNAP_SERVER   default for --server
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

// app holds what every subcommand needs.
type app struct {
	client *client.Client
	stdout io.Writer
	stderr io.Writer
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("pdfsnapctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SetInterspersed(false)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	server := fs.StringP("server", "s", envOr("PDFSNAP_SERVER", defaultServer), "pdfsnap server base URL")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	a := &app{client: client.New(*server, nil), stdout: stdout, stderr: stderr}
	cmd, rest := fs.Arg(0), fs.Args()[1:]

	var err error
	switch cmd {
	case "submit":
		err = a.submit(ctx, rest)
	case "status":
		err = a.status(ctx, rest)
	case "cancel":
		err = a.cancel(ctx, rest)
	case "files":
		err = a.files(ctx, rest)
	case "watch":
		err = a.watchCmd(ctx, rest)
	case "help":
		fs.Usage()
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		fs.Usage()
		return 2
	}

	var ue usageError
	switch {
	case err == nil:
		return 0
	case errors.Is(err, flag.ErrHelp):
		return 0
	case errors.As(err, &ue):
		fmt.Fprintln(stderr, "error:", err)
		return 2
	default:
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
}

type usageError string

func (e usageError) Error() string { return string(e) }

func (a *app) submit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	output := fs.StringP("output", "o", "", "output directory (server default when empty)")
	callback := fs.String("callback", "", "webhook URL notified when the job finishes")
	watch := fs.BoolP("watch", "w", false, "follow progress until the job finishes")
	interval := fs.Duration("interval", 0, "poll interval for --watch (server hint when 0)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return usageError("submit needs at least one URL")
	}

	j, err := a.client.Submit(ctx, job.CreateRequest{
		URLs:        fs.Args(),
		OutputPath:  *output,
		CallbackURL: *callback,
	})
	if err != nil {
		return err
	}
	if !*watch {
		return a.printJSON(j)
	}
	fmt.Fprintf(a.stdout, "job %s submitted\n", j.ID)
	return a.watch(ctx, j.ID, *interval)
}

func (a *app) status(ctx context.Context, args []string) error {
	id, err := singleID("status", args)
	if err != nil {
		return err
	}
	j, err := a.client.Status(ctx, id)
	if err != nil {
		return err
	}
	return a.printJSON(j)
}

func (a *app) cancel(ctx context.Context, args []string) error {
	id, err := singleID("cancel", args)
	if err != nil {
		return err
	}
	ok, err := a.client.Cancel(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s already finished", id)
	}
	fmt.Fprintf(a.stdout, "job %s cancelled\n", id)
	return nil
}

func (a *app) files(ctx context.Context, args []string) error {
	id, err := singleID("files", args)
	if err != nil {
		return err
	}
	entries, err := a.client.Files(ctx, id)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Fprintf(a.stdout, "%s\t%d pages\t%d bytes\n", e.Path, e.Pages, e.Size)
	}
	return nil
}

func (a *app) watchCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	interval := fs.Duration("interval", 0, "poll interval (server hint when 0)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := singleID("watch", fs.Args())
	if err != nil {
		return err
	}
	return a.watch(ctx, id, *interval)
}

// pollInterval asks the server for its advertised interval when none is set.
func (a *app) pollInterval(ctx context.Context, d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	if h, err := a.client.Health(ctx); err == nil && h.PollInterval() > 0 {
		return h.PollInterval()
	}
	return time.Second
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func singleID(cmd string, args []string) (string, error) {
	if len(args) != 1 || args[0] == "" {
		return "", usageError(cmd + " needs exactly one job ID")
	}
	return args[0], nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
