package daemon

import (
	"fmt"
	"log/slog"

	"github.com/codecompass-ai/compassd/internal/probe"
	"github.com/spf13/cobra"
)

func installProbeCmd(app *App) {
	var wait bool

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check that the engine answers on its bind address",
		Long: "Probe dials the engine's TCP address and requests its liveness route, expecting " +
			"HTTP 200. With --wait it retries until the engine is ready or the wait budget runs out.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf := app.config.Engine
			p := probe.New(slog.Default(), conf.Host, conf.Port,
				probe.WithPath(conf.ProbePath),
				probe.WithMaxWait(conf.ProbeMaxWait),
			)

			if wait {
				return p.WaitReady(cmd.Context())
			}
			if err := p.Check(cmd.Context()); err != nil {
				return err
			}
			fmt.Printf("engine ready at %s\n", p.URL())
			return nil
		},
	}

	addEngineFlags(cmd, &app.config.Engine)
	cmd.Flags().BoolVar(&wait, "wait", false, "retry until the engine is ready instead of probing once")
	app.cmd.AddCommand(cmd)
}
