// Package cmd содержит CLI wiresync: роли координатора и агента.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"wiresync/config"
)

// Execute запускает корневую команду; cobra печатает ошибку в stderr.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRootCmd().ExecuteContext(ctx)
}

// флаги → ключи viper
type flagBinder struct {
	file  string
	flags map[string]*pflag.Flag
}

func (b *flagBinder) bind(key string, fs *pflag.FlagSet, name string) {
	b.flags[key] = fs.Lookup(name)
}

// load читает конфиг; флаги учитываются, только если их задали явно.
func (b *flagBinder) load() (*config.Config, error) {
	set := make(map[string]*pflag.Flag, len(b.flags))
	for k, f := range b.flags {
		if f != nil && f.Changed {
			set[k] = f
		}
	}
	return config.Load(config.Options{File: b.file, Flags: set})
}

func newRootCmd() *cobra.Command {
	b := &flagBinder{flags: map[string]*pflag.Flag{}}

	root := &cobra.Command{
		Use:          "wiresync",
		Short:        "WireGuard mesh coordinator and peer agent",
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&b.file, "config", "", "config file (yaml, json or toml)")
	pf.String("log-level", "info", "log level: trace|debug|info|warning|error")
	pf.String("log-format", "text", "log format: text|json")
	b.bind("logs.level", pf, "log-level")
	b.bind("logs.format", pf, "log-format")

	root.AddCommand(newCoordinatorCmd(b), newAgentCmd(b))
	return root
}
