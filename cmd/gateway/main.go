// Command gateway is the local controller-facing CLI: it manages the host
// registry and drives exec/file RPCs through the execution-backend router,
// exercising HostManager end to end (spec.md §2 "Data flow for a remote
// call").
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/websoft9/remotehost/internal/config"
	"github.com/websoft9/remotehost/internal/execbackend"
	"github.com/websoft9/remotehost/internal/hostmanager"
	"github.com/websoft9/remotehost/internal/hostregistry"
	"github.com/websoft9/remotehost/internal/remotehost"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type appContext struct {
	cfg     *config.Config
	log     zerolog.Logger
	manager *hostmanager.Manager
}

func newAppContext() (*appContext, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	var log zerolog.Logger
	if cfg.LogFormat == "console" {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		log = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	if lvl, perr := zerolog.ParseLevel(cfg.LogLevel); perr == nil {
		log = log.Level(lvl)
	}

	reg := hostregistry.New(cfg.RegistryPath, log)
	if err := reg.Load(); err != nil {
		return nil, err
	}

	deps := remotehost.Deps{
		AgentBinaryPath:   cfg.AgentBinaryPath,
		TmuxFallbackURL:   cfg.TmuxFallbackURL,
		KnownHostsPath:    cfg.KnownHostsPath,
		TunnelDialTimeout: cfg.TunnelDialTimeout,
		ReadinessTimeout:  cfg.ReadinessTimeout,
		RPCTimeout:        cfg.RPCTimeout,
	}

	return &appContext{
		cfg:     cfg,
		log:     log,
		manager: hostmanager.New(reg, deps, log),
	}, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "remotehost",
		Short: "execute commands and file operations on remote Unix hosts",
	}

	root.AddCommand(newHostCmd())
	root.AddCommand(newExecCmd())
	return root
}

func newHostCmd() *cobra.Command {
	host := &cobra.Command{Use: "host", Short: "manage the registered host set"}

	var sshTarget string
	var sshPort int
	var sshKeyPath string
	var remotePort int
	var authToken string
	var workspace string

	add := &cobra.Command{
		Use:  "add <name>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newAppContext()
			if err != nil {
				return err
			}
			return app.manager.AddHost(hostregistry.HostConfig{
				Name:       args[0],
				SSHTarget:  sshTarget,
				SSHPort:    sshPort,
				SSHKeyPath: sshKeyPath,
				RemotePort: remotePort,
				AuthToken:  authToken,
				Workspace:  workspace,
			})
		},
	}
	add.Flags().StringVar(&sshTarget, "ssh-target", "", "user@host")
	add.Flags().IntVar(&sshPort, "ssh-port", 22, "SSH port")
	add.Flags().StringVar(&sshKeyPath, "ssh-key", "", "path to a private key file")
	add.Flags().IntVar(&remotePort, "remote-port", 8765, "loopback port the remote agent binds on")
	add.Flags().StringVar(&authToken, "token", "", "shared secret for the remote agent")
	add.Flags().StringVar(&workspace, "workspace", "", "default remote working directory")
	host.AddCommand(add)

	remove := &cobra.Command{
		Use:  "remove <name>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newAppContext()
			if err != nil {
				return err
			}
			return app.manager.RemoveHost(cmd.Context(), args[0])
		},
	}
	host.AddCommand(remove)

	list := &cobra.Command{
		Use: "list",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newAppContext()
			if err != nil {
				return err
			}
			for _, info := range app.manager.List() {
				fmt.Printf("%s\t%s\tconnected=%v\n", info.Config.Name, info.Config.SSHTarget, info.Connected)
			}
			return nil
		},
	}
	host.AddCommand(list)

	connect := &cobra.Command{
		Use:  "connect <name>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newAppContext()
			if err != nil {
				return err
			}
			result, err := app.manager.Connect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			switch {
			case result.AlreadyConnected:
				fmt.Println("already connected")
			case result.NewSession:
				fmt.Println("connected (new session)")
			}
			return nil
		},
	}
	host.AddCommand(connect)

	disconnect := &cobra.Command{
		Use:  "disconnect <name>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newAppContext()
			if err != nil {
				return err
			}
			return app.manager.Disconnect(cmd.Context(), args[0])
		},
	}
	host.AddCommand(disconnect)

	return host
}

func newExecCmd() *cobra.Command {
	var host string
	var workingDir string

	cmd := &cobra.Command{
		Use:  "exec <command>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newAppContext()
			if err != nil {
				return err
			}

			router := execbackend.NewRouter(execbackend.NewLocalBackend(), app.manager)
			backend, err := router.Resolve(cmd.Context(), host)
			if err != nil {
				return err
			}

			result, err := backend.Exec(cmd.Context(), execbackend.ExecRequest{
				Command:    args[0],
				WorkingDir: workingDir,
			})
			if err != nil {
				return err
			}

			fmt.Print(result.Output)
			if !result.Success {
				os.Exit(result.ExitCode)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "registered host name; empty runs locally")
	cmd.Flags().StringVar(&workingDir, "workdir", "", "working directory for the command")

	return cmd
}
