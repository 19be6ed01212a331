package commands

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/aluiziolira/go-price-monitor/api"
)

var serveAddr string

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (defaults to the configured api address, then :8080)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve [--addr <host:port>]",
	Short: "Serves the recorded products read-only over HTTP.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		addr := serveAddr
		if addr == "" {
			addr = cfg.APIAddr
		}
		if addr == "" {
			addr = ":8080"
		}

		app := api.New(st, cfg)
		go func() {
			<-cmd.Context().Done()
			shutdownAPI(app)
		}()
		slog.Info("api server listening", slog.String("addr", addr))
		return app.Listen(addr)
	},
}
