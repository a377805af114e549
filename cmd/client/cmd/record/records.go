package record

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"datasync/internal/domain/record"
)

var RecordCmd = &cobra.Command{
	Use:   "record",
	Short: "Read and write local records",
	Long: `Records are written to the local database and queued for the server.
The next "datasync sync" or a running "datasync run" sends them.`,
}

// parseFields turns name=value pairs into record fields. Values that parse
// as JSON keep their JSON type; anything else is a string.
func parseFields(pairs []string) (map[string]any, error) {
	fields := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid field %q, want name=value", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		fields[name] = v
	}
	return fields, nil
}

// parseKey joins the primary key values given on the command line.
func parseKey(parts []string) record.Key {
	return record.NewKey(parts...)
}

// view is the printable form of a stored record.
type view struct {
	Type    string         `json:"type" yaml:"type"`
	Key     string         `json:"key" yaml:"key"`
	Version int            `json:"version" yaml:"version"`
	State   string         `json:"state" yaml:"state"`
	Changed time.Time      `json:"last_changed_at" yaml:"last_changed_at"`
	Fields  map[string]any `json:"fields" yaml:"fields"`
}

func toView(s record.Stored) view {
	return view{
		Type:    s.Metadata.TypeName,
		Key:     s.Metadata.Key.String(),
		Version: s.Metadata.Version,
		State:   string(s.State),
		Changed: s.Metadata.LastChangedAt,
		Fields:  s.Record.Fields,
	}
}

func printViews(format string, views []view) error {
	switch format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	case "yaml":
		return yaml.NewEncoder(os.Stdout).Encode(views)
	case "table", "":
		return printTable(views)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func printTable(views []view) error {
	if len(views) == 0 {
		fmt.Println("No records found")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tVERSION\tSTATE\tFIELDS\t")
	for _, v := range views {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t\n", v.Key, v.Version, stateLabel(v.State), formatFields(v.Fields))
	}
	return w.Flush()
}

func stateLabel(state string) string {
	switch record.SyncState(state) {
	case record.StateSynced:
		return color.GreenString(state)
	case record.StateDeletedPending:
		return color.RedString(state)
	default:
		return color.YellowString(state)
	}
}

func formatFields(fields map[string]any) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%v", name, fields[name]))
	}
	return strings.Join(parts, " ")
}
