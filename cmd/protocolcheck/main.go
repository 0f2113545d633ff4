// Command protocolcheck validates a protocol catalog and prints how the registered protocols
// rank for a study.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	json "github.com/goccy/go-json"

	appprotocol "github.com/coachpo/mprview/internal/app/protocol"
	"github.com/coachpo/mprview/internal/domain/protocol"
	"github.com/coachpo/mprview/internal/infra/config"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "protocolcheck: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("protocolcheck", flag.ContinueOnError)
	fs.SetOutput(out)
	catalogPath := fs.String("catalog", "", "Path to a .yaml, .yml or .json protocol catalog")
	builtins := fs.Bool("builtins", true, "Include the built-in protocols")
	description := fs.String("description", "", "Study description")
	modalities := fs.String("modalities", "", "Comma separated modalities in study")
	bodyPart := fs.String("body-part", "", "Body part examined")
	series := fs.Int("series", 0, "Number of series in the study")
	asJSON := fs.Bool("json", false, "Print the ranking as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var defs []protocol.Definition
	if *catalogPath != "" {
		loaded, err := config.LoadProtocolCatalog(*catalogPath)
		if err != nil {
			return err
		}
		defs = loaded
		fmt.Fprintf(out, "catalog ok: %d protocols\n", len(defs))
	} else if !*builtins {
		return errors.New("nothing to check: pass -catalog or keep -builtins")
	}

	registry := appprotocol.NewRegistry()
	if *builtins {
		if err := registry.Init(defs...); err != nil {
			return err
		}
	} else {
		for _, def := range defs {
			if err := registry.Register(def); err != nil {
				return err
			}
		}
	}

	meta := protocol.StudyMetadata{
		StudyDescription: *description,
		Modalities:       splitList(*modalities),
		BodyPart:         *bodyPart,
		NumberOfSeries:   *series,
	}
	ranked, err := appprotocol.Rank(registry.Snapshot(), meta)
	if err != nil {
		return err
	}
	if *asJSON {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(ranked)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tPROTOCOL\tSCORE\tPRIORITY\tNAME")
	for i, c := range ranked {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\n", i+1, c.ProtocolID, c.Score, c.Priority, c.Name)
	}
	return tw.Flush()
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
