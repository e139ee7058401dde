// Package main is the entry point for the API server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	root := &cobra.Command{
		Use:           "dmserver",
		Short:         "Real-time direct messaging server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().String("store", "", "store backend: memory or nats")
	v.BindPFlag("log_level", root.PersistentFlags().Lookup("log-level"))
	v.BindPFlag("store_backend", root.PersistentFlags().Lookup("store"))

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), v, cfgFile)
		},
	}
	serve.Flags().String("port", "", "listen port")
	v.BindPFlag("port", serve.Flags().Lookup("port"))

	root.AddCommand(serve)
	root.RunE = serve.RunE
	return root
}
