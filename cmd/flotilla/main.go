package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/flotilla/internal/app"
	"github.com/mistakeknot/flotilla/internal/config"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "flotilla",
		Short:         "Supervises a fleet of bot identities against a push gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: FLOTILLA_CONFIG or ./flotilla.yaml)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the fleet supervisor until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = config.ResolvePath()
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			a, err := app.New(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if err := a.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			log.Printf("shutting down")
			a.Stop()
			return nil
		},
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a commented starter config",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = config.ResolvePath()
			}
			if err := config.WriteStarter(path); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	root.AddCommand(runCmd, initCmd, versionCmd)

	if err := root.Execute(); err != nil {
		log.Printf("%v", err)
		os.Exit(1)
	}
}
