package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"orchestra/internal/agent"
)

var agentsJSON bool

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List the agent catalog",
	Args:  cobra.NoArgs,
	RunE:  runAgents,
}

func init() {
	agentsCmd.Flags().BoolVar(&agentsJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(agentsCmd)
}

type agentListing struct {
	agent.Definition
	Capabilities agent.Capabilities `json:"capabilities"`
}

func runAgents(cmd *cobra.Command, args []string) error {
	catalog, err := loadCatalog()
	if err != nil {
		return err
	}
	defs := catalog.List()

	if agentsJSON {
		out := make([]agentListing, 0, len(defs))
		for _, d := range defs {
			out = append(out, agentListing{Definition: d, Capabilities: d.Capabilities()})
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tBINARY\tDELIVERY\tPARSER\tCAPABILITIES")
	for _, d := range defs {
		parserID := d.Parser
		if parserID == "" {
			parserID = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.Binary, d.Delivery, parserID, capabilityList(d.Capabilities()))
	}
	return w.Flush()
}

func capabilityList(c agent.Capabilities) string {
	var names []string
	for _, f := range []struct {
		name string
		on   bool
	}{
		{"batch", c.Batch},
		{"json", c.JSONOutput},
		{"workdir", c.WorkDir},
		{"read-only", c.ReadOnly},
		{"model", c.Model},
		{"resume", c.Resume},
		{"prompt", c.Prompt},
	} {
		if f.on {
			names = append(names, f.name)
		}
	}
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ",")
}
