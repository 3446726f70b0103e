package cmd

import (
	"github.com/spf13/cobra"

	"wiresync/server"
)

func newCoordinatorCmd(b *flagBinder) *cobra.Command {
	c := &cobra.Command{
		Use:   "coordinator",
		Short: "Run the central coordinator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := b.load()
			if err != nil {
				return err
			}
			app := &server.App{}
			if err := app.Initialize(cfg); err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
	f := c.Flags()
	f.String("listen", "0.0.0.0", "listen address")
	f.String("port", "50051", "listen port")
	f.String("subnet", "10.8.0.0/24", "overlay subnet")
	f.String("db-driver", "", "database driver: postgres|mysql|sqlite (empty: in memory)")
	f.String("db-dsn", "", "database DSN")
	f.String("db-endpoint", "localhost", "database host (when no DSN)")
	f.Int("db-port", 0, "database port (when no DSN)")
	f.String("db-user", "user", "database user (when no DSN)")
	f.String("db-password", "password", "database password (when no DSN)")
	b.bind("server.address", f, "listen")
	b.bind("server.http_port", f, "port")
	b.bind("network.subnet", f, "subnet")
	b.bind("database.driver", f, "db-driver")
	b.bind("database.dsn", f, "db-dsn")
	b.bind("database.host", f, "db-endpoint")
	b.bind("database.port", f, "db-port")
	b.bind("database.user", f, "db-user")
	b.bind("database.password", f, "db-password")
	return c
}
