package cli

// -----------------------------------------------------------------------------
// routes.go – routing table inspection
// -----------------------------------------------------------------------------
// Commands after RegisterRoutes(root):
//   ~routes ~list               – print the configured routes in lookup order
//   ~routes ~lookup <dest>      – resolve the next hop for a destination
//   ~routes ~import <file.yaml> – validate a standalone routes file
// -----------------------------------------------------------------------------

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ALLiDoizCode/m2m-sub003/core"
)

func buildTable() (*core.RoutingTable, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	nodeCfg, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	table := core.NewRoutingTable(nil)
	for _, r := range nodeCfg.Routes {
		if err := table.Add(r); err != nil {
			return nil, err
		}
	}
	return table, nil
}

func routesList(cmd *cobra.Command, _ []string) error {
	table, err := buildTable()
	if err != nil {
		return err
	}
	for _, r := range table.Snapshot() {
		fmt.Fprintf(cmd.OutOrStdout(), "%-40s -> %-20s priority %d\n", r.Prefix, r.NextHop, r.Priority)
	}
	return nil
}

func routesLookup(cmd *cobra.Command, args []string) error {
	table, err := buildTable()
	if err != nil {
		return err
	}
	dest := core.Address(args[0])
	if err := core.ValidateAddress(dest); err != nil {
		return err
	}
	hop := table.NextHopFor(dest)
	if hop == "" {
		return fmt.Errorf("no route covers %s", dest)
	}
	fmt.Fprintln(cmd.OutOrStdout(), hop)
	return nil
}

func routesImport(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var routes []core.Route
	if err := yaml.Unmarshal(raw, &routes); err != nil {
		return fmt.Errorf("parse %s: %w", args[0], err)
	}
	table := core.NewRoutingTable(nil)
	for _, r := range routes {
		if err := table.Add(r); err != nil {
			return fmt.Errorf("route %q: %w", r.Prefix, err)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d routes ok\n", table.Len())
	return nil
}

// RegisterRoutes attaches the routing commands to root.
func RegisterRoutes(root *cobra.Command) {
	routesCmd := &cobra.Command{Use: "routes", Short: "Inspect the routing table"}
	routesCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print routes in lookup order",
		RunE:  routesList,
	})
	routesCmd.AddCommand(&cobra.Command{
		Use:   "lookup <destination>",
		Short: "Resolve the next hop for a destination address",
		Args:  cobra.ExactArgs(1),
		RunE:  routesLookup,
	})
	routesCmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Validate a standalone YAML routes file",
		Args:  cobra.ExactArgs(1),
		RunE:  routesImport,
	})
	root.AddCommand(routesCmd)
}
