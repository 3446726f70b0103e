package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"wiresync/internal/logs"
	"wiresync/server"
)

func newAgentCmd(b *flagBinder) *cobra.Command {
	c := &cobra.Command{
		Use:   "agent",
		Short: "Peer agent: listen for configs or deregister",
	}
	pf := c.PersistentFlags()
	pf.String("coordinator", "http://localhost:50051", "coordinator base URL")
	pf.String("endpoint", "", "public address of this peer")
	pf.Int("control-port", 50052, "agent RPC port (part of the peer identity)")
	b.bind("agent.coordinator", pf, "coordinator")
	b.bind("agent.endpoint", pf, "endpoint")
	b.bind("agent.control_port", pf, "control-port")

	c.AddCommand(newAgentListenCmd(b), newAgentDeregisterCmd(b))
	return c
}

func newAgentListenCmd(b *flagBinder) *cobra.Command {
	c := &cobra.Command{
		Use:   "listen",
		Short: "Join the mesh and apply pushed configs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := b.load()
			if err != nil {
				return err
			}
			app := &server.AgentApp{}
			if err := app.Initialize(cfg); err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
	f := c.Flags()
	f.Int("wireguard-port", 51820, "WireGuard listen port")
	f.String("nic", "eth0", "outbound interface for MASQUERADE")
	f.String("key-file", "", "file with the WireGuard private key")
	f.String("interface", "ws0", "WireGuard interface name")
	f.String("reloader", "wg-quick", "how to apply configs: systemd|wg-quick|none")
	b.bind("agent.wireguard_port", f, "wireguard-port")
	b.bind("agent.nic_name", f, "nic")
	b.bind("agent.key_file", f, "key-file")
	b.bind("agent.interface", f, "interface")
	b.bind("agent.reloader", f, "reloader")
	return c
}

func newAgentDeregisterCmd(b *flagBinder) *cobra.Command {
	return &cobra.Command{
		Use:   "deregister",
		Short: "Remove this peer from the mesh",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := b.load()
			if err != nil {
				return err
			}
			if err := logs.Init(logs.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format}); err != nil {
				return err
			}
			reply, err := server.Deregister(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			for _, w := range reply.Warnings {
				logs.Logger.Warn(w)
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply.Result)
			return nil
		},
	}
}
