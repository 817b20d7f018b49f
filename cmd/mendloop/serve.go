package main

import (
	"context"
	"log"

	"github.com/spf13/cobra"

	"github.com/loopworks/mendloop/config"
	srv "github.com/loopworks/mendloop/internal/server"
	"github.com/loopworks/mendloop/tools"
	"github.com/loopworks/mendloop/tools/lookup"
)

func serveCMD() *cobra.Command {
	var cfgPath string
	var recordsPath string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the correction engine HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)

			reg := tools.NewRegistry()
			lk, err := lookup.New()
			if err != nil {
				return err
			}
			if recordsPath != "" {
				n, err := lk.LoadFile(recordsPath)
				if err != nil {
					return err
				}
				log.Printf("loaded %d lookup records from %s", n, recordsPath)
			}
			if err := lk.RegisterWith(reg); err != nil {
				return err
			}

			return srv.Run(context.Background(), cfg, reg)
		},
	}
	serve.Flags().StringVar(&recordsPath, "records", "", "JSON file of lookup records to seed the records_search tool")
	serve.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return serve
}
