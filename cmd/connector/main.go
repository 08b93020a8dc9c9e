package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ALLiDoizCode/m2m-sub003/cmd/cli"
)

func main() {
	root := &cobra.Command{
		Use:   "connector",
		Short: "Interledger connector node",
	}
	cli.RegisterConnector(root)
	cli.RegisterRoutes(root)
	cli.RegisterAccounts(root)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
