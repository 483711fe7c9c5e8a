package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"orchestra/internal/parser"
)

const maxLineSize = 4 * 1024 * 1024

var parseAgent string

var parseCmd = &cobra.Command{
	Use:   "parse [file]",
	Short: "Normalize agent JSON output into events",
	Long: `Read agent output lines from a file or stdin and print one normalized
event per line as JSON. Lines that carry no event are skipped.

The --agent value is an agent id from the catalog or a parser family
(opencode, claude-code, codex).`,
	Args: cobra.MaximumNArgs(1),
	RunE: runParse,
}

func init() {
	parseCmd.Flags().StringVar(&parseAgent, "agent", "", "Agent id or parser family (required)")
	_ = parseCmd.MarkFlagRequired("agent")
	rootCmd.AddCommand(parseCmd)
}

func runParse(cmd *cobra.Command, args []string) error {
	p, err := resolveParser(parseAgent)
	if err != nil {
		return err
	}

	var in io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		ev := p.ParseLine(scanner.Text())
		if ev == nil {
			continue
		}
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// resolveParser looks id up as a catalog agent first, then as a parser
// family.
func resolveParser(id string) (parser.Parser, error) {
	parsers := parser.NewRegistry()

	family := id
	if catalog, err := loadCatalog(); err == nil {
		if def, ok := catalog.Get(id); ok && def.Parser != "" {
			family = def.Parser
		}
	}
	if p, ok := parsers.Get(family); ok {
		return p, nil
	}
	return nil, fmt.Errorf("no parser for agent %q (known: %v)", id, parsers.IDs())
}
