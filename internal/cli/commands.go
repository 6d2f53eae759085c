package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/qdb/qdb_sdk_go/pkg/qdb"
)

func runRead(e *env, args []string) int {
	fs := subcommandFlags(e, "read", readUsage)
	byID := fs.Bool("by-id", false, "treat the target as an entity id")
	byType := fs.Bool("by-type", false, "treat the target as an entity type name")
	asJSON := fs.Bool("json", false, "print entities as JSON")
	if code, ok := parseFlags(e, fs, args); !ok {
		return code
	}
	rest := fs.Args()
	if *byID && *byType {
		return usageError(e, fs, "--by-id and --by-type are mutually exclusive")
	}
	if len(rest) < 2 {
		return usageError(e, fs, "expected a target and at least one field")
	}

	target, fields := targetFrom(rest[0], *byID, *byType), rest[1:]
	entities, err := e.client.Read(e.ctx, target, fields)
	if err != nil {
		return failure(e, "read", err)
	}

	if *asJSON {
		if err := printEntitiesJSON(e.stdout, entities); err != nil {
			return failure(e, "read", err)
		}
		return ExitOK
	}
	if len(entities) == 0 {
		fmt.Fprintf(e.stdout, "no entities match %s\n", target)
		return ExitOK
	}
	printEntities(e.stdout, entities, fields)
	return ExitOK
}

func printEntities(w io.Writer, entities []*qdb.Entity, fields []string) {
	for _, ent := range entities {
		if ent.Name != "" {
			fmt.Fprintf(w, "%s (%s) %q\n", ent.ID, ent.Type, ent.Name)
		} else {
			fmt.Fprintf(w, "%s (%s)\n", ent.ID, ent.Type)
		}
		for _, f := range fields {
			v, ok := ent.Fields[f]
			if !ok {
				continue
			}
			fmt.Fprintf(w, "  %s: %s\n", f, formatRaw(v))
		}
	}
}

type entityJSON struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Name   string         `json:"name,omitempty"`
	Fields map[string]any `json:"fields"`
}

func printEntitiesJSON(w io.Writer, entities []*qdb.Entity) error {
	out := make([]entityJSON, 0, len(entities))
	for _, ent := range entities {
		out = append(out, entityJSON{ID: ent.ID, Type: ent.Type, Name: ent.Name, Fields: ent.Fields})
	}
	data, err := sonic.ConfigStd.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

func runWrite(e *env, args []string) int {
	fs := subcommandFlags(e, "write", writeUsage)
	if code, ok := parseFlags(e, fs, args); !ok {
		return code
	}
	rest := fs.Args()
	if len(rest) < 2 {
		return usageError(e, fs, "expected an entity id and at least one field=value")
	}

	entityID := rest[0]
	fields := make(map[string]string, len(rest)-1)
	for _, arg := range rest[1:] {
		name, value, ok := strings.Cut(arg, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return usageError(e, fs, "argument %q is not field=qdb.Kind(value)", arg)
		}
		if _, dup := fields[name]; dup {
			return usageError(e, fs, "field %q given more than once", name)
		}
		fields[name] = value
	}

	ok, err := e.client.Write(e.ctx, entityID, fields)
	if err != nil {
		return failure(e, "write", err)
	}
	if !ok {
		fmt.Fprintf(e.stderr, "write failed: server rejected at least one field of %s\n", entityID)
		return ExitFailure
	}
	fmt.Fprintf(e.stdout, "wrote %d field(s) to %s\n", len(fields), entityID)
	return ExitOK
}

func runListen(e *env, args []string) int {
	fs := subcommandFlags(e, "listen", listenUsage)
	byID := fs.Bool("by-id", false, "treat the target as an entity id")
	byType := fs.Bool("by-type", false, "treat the target as an entity type name")
	contextFields := fs.StringArray("context", nil, "context field to include with each notification (repeatable)")
	onChange := fs.Bool("notifyOnChange", false, "only notify when the value changes")
	interval := fs.Duration("interval", qdb.DefaultPollInterval, "poll interval")
	maxFailures := fs.Int("max-failures", qdb.DefaultMaxPollFailures, "consecutive poll failures before giving up (negative: never)")
	if code, ok := parseFlags(e, fs, args); !ok {
		return code
	}
	rest := fs.Args()
	if *byID && *byType {
		return usageError(e, fs, "--by-id and --by-type are mutually exclusive")
	}
	if len(rest) != 2 {
		return usageError(e, fs, "expected a target and exactly one field")
	}
	if *interval <= 0 {
		return usageError(e, fs, "--interval must be positive")
	}

	cfg := qdb.NotificationConfig{
		Target:         targetFrom(rest[0], *byID, *byType),
		Field:          rest[1],
		ContextFields:  *contextFields,
		NotifyOnChange: *onChange,
	}
	fmt.Fprintf(e.stdout, "listening for %s on %s (interrupt to stop)\n", cfg.Field, cfg.Target)
	err := e.client.Listen(e.ctx, cfg, func(n qdb.Notification) {
		printNotification(e.stdout, n)
	}, qdb.ListenOptions{Interval: *interval, MaxPollFailures: *maxFailures})
	if err != nil {
		return failure(e, "listen", err)
	}
	return ExitOK
}

func printNotification(w io.Writer, n qdb.Notification) {
	var b strings.Builder
	ts := "-"
	if !n.Current.WriteTime.IsZero() {
		ts = n.Current.WriteTime.Format(time.RFC3339Nano)
	}
	fmt.Fprintf(&b, "[%s] %s.%s: %s -> %s",
		ts, n.Current.EntityID, n.Current.Name,
		formatField(n.Previous), formatField(n.Current))
	for _, c := range n.Context {
		fmt.Fprintf(&b, " %s=%s", c.Name, formatField(c))
	}
	fmt.Fprintln(w, b.String())
}

func formatField(f qdb.FieldValue) string {
	if v := f.Value(); v != nil {
		return qdb.Format(v)
	}
	if f.Raw == nil {
		return "<none>"
	}
	return formatRaw(f.Raw)
}

// formatRaw prints a raw field value without exponent notation.
func formatRaw(raw any) string {
	if f, ok := raw.(float64); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(raw)
}
