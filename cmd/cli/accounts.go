package cli

// -----------------------------------------------------------------------------
// accounts.go – balance store inspection
// -----------------------------------------------------------------------------
// Commands after RegisterAccounts(root):
//   ~accounts ~list  – dump persisted balances and settlement states
//   ~peers ~list     – show configured peers and their URLs
// -----------------------------------------------------------------------------

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ALLiDoizCode/m2m-sub003/core"
)

func accountsList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("no data_dir configured; balances are in-memory only")
	}
	store, err := core.OpenBalanceStore(cfg.DataDir, 0, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	balances := store.Balances()
	states := store.States()
	keys := make([]core.AccountKey, 0, len(balances))
	for k := range balances {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	for _, k := range keys {
		b := balances[k]
		state := states[k]
		if state == "" {
			state = core.SettleIdle
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%-30s debit %-12s credit %-12s net %-12s %s\n",
			k, b.Debit, b.Credit, b.Net(), state)
	}
	return nil
}

func peersList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	for _, p := range cfg.Peers {
		fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s\n", p.ID, p.URL)
	}
	if len(cfg.Peers) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no static peers; inbound peers authenticate via BTP_PEER_<ID>_SECRET")
	}
	return nil
}

// RegisterAccounts attaches the bookkeeping commands to root.
func RegisterAccounts(root *cobra.Command) {
	accountsCmd := &cobra.Command{Use: "accounts", Short: "Inspect persisted balances"}
	accountsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Dump balances and settlement states",
		RunE:  accountsList,
	})
	root.AddCommand(accountsCmd)

	peersCmd := &cobra.Command{Use: "peers", Short: "Inspect configured peers"}
	peersCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List static peers",
		RunE:  peersList,
	})
	root.AddCommand(peersCmd)
}
