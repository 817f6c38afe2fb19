package main

import (
	"github.com/spf13/cobra"

	"github.com/sakif/submission-runner/internal/app"
	"github.com/sakif/submission-runner/internal/server"
)

func newServeCommand(st *cliState) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("port") {
				st.cfg.Port = port
			}

			a, err := app.Build(cmd.Context(), st.cfg, app.Options{Recover: true, Confine: true}, st.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			srv, err := server.New(server.Config{
				Port:           st.cfg.Port,
				RateLimitRPS:   st.cfg.RateLimitRPS,
				RateLimitBurst: st.cfg.RateLimitBurst,
			}, a.ServerDeps(), st.logger)
			if err != nil {
				return err
			}
			// The root context already carries SIGINT/SIGTERM.
			return srv.Run(cmd.Context())
		},
	}

	cmd.Flags().IntVar(&port, "port", 8080, "Port to listen on (overrides PORT)")
	return cmd
}
