package cli

// -----------------------------------------------------------------------------
// connector.go – node lifecycle commands
// -----------------------------------------------------------------------------
// Commands after RegisterConnector(root):
//   ~start     – boot the connector and serve until SIGINT/SIGTERM
//   ~validate  – load and validate a configuration file
// -----------------------------------------------------------------------------

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ALLiDoizCode/m2m-sub003/core"
	"github.com/ALLiDoizCode/m2m-sub003/pkg/config"
)

var configPath string

func newLogger(level string) (*logrus.Logger, error) {
	lg := logrus.New()
	lv, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	lg.SetLevel(lv)
	return lg, nil
}

func loadConfig() (*config.Config, error) {
	_ = godotenv.Load()
	return config.Load(configPath)
}

func runStart(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	lg, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	nodeCfg, err := cfg.Build()
	if err != nil {
		return err
	}
	node, err := core.NewConnectorNode(nodeCfg, lg)
	if err != nil {
		return err
	}
	if err := node.Start(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	lg.Infof("received %s, shutting down", s)
	node.Stop()
	return nil
}

func runValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if _, err := cfg.Build(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: configuration valid (%d peers, %d routes)\n",
		cfg.NodeID, len(cfg.Peers), len(cfg.Routes))
	return nil
}

// RegisterConnector attaches the lifecycle commands to root.
func RegisterConnector(root *cobra.Command) {
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to connector.yaml")

	root.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start the connector node",
		RunE:  runStart,
	})
	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE:  runValidate,
	})
}
