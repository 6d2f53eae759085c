// Package cli implements the qdb command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/qdb/qdb_sdk_go/internal/httpx"
	"github.com/qdb/qdb_sdk_go/pkg/qdb"
)

// Exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
)

const (
	defaultURL  = "http://localhost:20000"
	envLogLevel = "QDB_LOG_LEVEL"
)

const usageHeader = "Usage: qdb [--url URL] [--timeout D] [--log-level L] <command> [args]"

type globals struct {
	url      string
	timeout  time.Duration
	logLevel string
}

type env struct {
	ctx    context.Context
	stdout io.Writer
	stderr io.Writer
	client *qdb.Client
}

type command struct {
	name  string
	usage string
	run   func(e *env, args []string) int
}

const (
	readUsage   = "read [--by-id|--by-type] [--json] <entityOrType> <field>..."
	writeUsage  = "write <entityId> <field=qdb.Kind(value)>..."
	listenUsage = "listen [--by-id|--by-type] [--context name]... [--notifyOnChange] [--interval D] [--max-failures N] <entityOrType> <field>"
)

var commands = []command{
	{name: "read", usage: readUsage, run: runRead},
	{name: "write", usage: writeUsage, run: runWrite},
	{name: "listen", usage: listenUsage, run: runListen},
}

// Run executes the command line in args (without the program name) and
// returns the process exit code.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var g globals
	fs := flag.NewFlagSet("qdb", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SetInterspersed(false)
	fs.StringVar(&g.url, "url", envOr(qdb.EnvURL, defaultURL), "QDB base URL")
	fs.DurationVar(&g.timeout, "timeout", httpx.DefaultTimeout, "per-request timeout")
	fs.StringVar(&g.logLevel, "log-level", envOr(envLogLevel, "warn"), "log level (debug, info, warn, error)")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "%s\n\nCommands:\n", usageHeader)
		for _, c := range commands {
			fmt.Fprintf(stderr, "  %s\n", c.usage)
		}
		fmt.Fprint(stderr, "\nGlobal flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitOK
		}
		fmt.Fprintf(stderr, "qdb: %v\n", err)
		fs.Usage()
		return ExitUsage
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return ExitUsage
	}

	cmd, ok := lookup(rest[0])
	if !ok {
		fmt.Fprintf(stderr, "qdb: unknown command %q\n", rest[0])
		fs.Usage()
		return ExitUsage
	}

	level, err := log.ParseLevel(g.logLevel)
	if err != nil {
		fmt.Fprintf(stderr, "qdb: %v\n", err)
		return ExitUsage
	}
	logger := log.New()
	logger.SetOutput(stderr)
	logger.SetLevel(level)

	client, err := qdb.New(g.url, qdb.WithTimeout(g.timeout), qdb.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(stderr, "qdb: %v\n", err)
		return ExitUsage
	}

	return cmd.run(&env{ctx: ctx, stdout: stdout, stderr: stderr, client: client}, rest[1:])
}

func lookup(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// subcommandFlags builds a flag set printing usageLine on errors.
func subcommandFlags(e *env, name, usageLine string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	fs.Usage = func() {
		fmt.Fprintf(e.stderr, "Usage: qdb %s\n", usageLine)
		fs.PrintDefaults()
	}
	return fs
}

// parseFlags parses args and maps failures to an exit code. ok is false when
// the caller should return code.
func parseFlags(e *env, fs *flag.FlagSet, args []string) (code int, ok bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitOK, false
		}
		return usageError(e, fs, "%v", err), false
	}
	return 0, true
}

func usageError(e *env, fs *flag.FlagSet, format string, args ...any) int {
	fmt.Fprintf(e.stderr, "qdb: %s\n", fmt.Sprintf(format, args...))
	fs.Usage()
	return ExitUsage
}

func failure(e *env, op string, err error) int {
	fmt.Fprintf(e.stderr, "%s failed: %v\n", op, err)
	return ExitFailure
}

// targetFrom applies --by-id/--by-type, falling back to ParseTarget.
func targetFrom(token string, byID, byType bool) qdb.Target {
	switch {
	case byID:
		return qdb.ByID(token)
	case byType:
		return qdb.ByType(token)
	default:
		return qdb.ParseTarget(token)
	}
}
