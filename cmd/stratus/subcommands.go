package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stratus-run/stratus/internal/core"
	"github.com/stratus-run/stratus/internal/manifest"
	gssh "github.com/stratus-run/stratus/internal/ssh"
	"github.com/stratus-run/stratus/internal/telemetry"
	"github.com/stratus-run/stratus/pkg/api"
)

// Resolve config and build a registrar
func resolveRegistrar(cmd *cobra.Command) (*core.Registrar, core.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return nil, core.Config{}, err
	}
	if server, _ := cmd.Flags().GetString("server"); server != "" {
		cfg.Registry.URL = server
	}
	telemetry.InitGlobal(cfg.Telemetry.Enabled)
	if cfg.Telemetry.Enabled && cfg.Telemetry.MonitoringPort > 0 {
		mon := telemetry.NewMonitoringServer(fmt.Sprintf("127.0.0.1:%d", cfg.Telemetry.MonitoringPort), telemetry.GetGlobal())
		mon.Start()
	}
	return core.NewRegistrar(cfg), cfg, nil
}

// Register everything a manifest declares
func newApplyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply <manifest.yaml>",
		Short: "Register the environments and jobs a manifest declares, in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manifest.Load(args[0])
			if err != nil {
				return err
			}
			reg, cfg, err := resolveRegistrar(cmd)
			if err != nil {
				return err
			}
			if sync, _ := cmd.Flags().GetBool("sync"); sync {
				if cfg.Uploads.Host == "" {
					return fmt.Errorf("--sync requires an uploads host in the config")
				}
				reg.SyncAll = true
			}
			results, err := reg.Apply(cmd.Context(), m)
			for _, res := range results {
				fmt.Printf("%s\t%s\trevision %d\n", res.Kind, res.Name, res.Revision)
			}
			return err
		},
	}
	cmd.Flags().Bool("sync", false, "ship all attached files through the uploads host instead of inlining")
	return cmd
}

// Software environment commands
func newEnvCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "env",
		Short: "Manage software environments",
	}
	cmd.AddCommand(newEnvCreateCmd())
	cmd.AddCommand(newEnvLsCmd())
	cmd.AddCommand(newEnvInspectCmd())
	cmd.AddCommand(newEnvRmCmd())
	return cmd
}

func newEnvCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a software environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			container, _ := cmd.Flags().GetString("container")
			channels, _ := cmd.Flags().GetStringSlice("conda-channel")
			deps, _ := cmd.Flags().GetStringSlice("conda-dep")
			pip, _ := cmd.Flags().GetStringSlice("pip")
			spec := api.EnvironmentSpec{Name: name, Container: container, Pip: pip}
			if len(channels) > 0 || len(deps) > 0 {
				spec.Conda = &api.CondaSpec{Channels: channels, Dependencies: deps}
			}
			reg, _, err := resolveRegistrar(cmd)
			if err != nil {
				return err
			}
			res, err := reg.RegisterEnvironment(cmd.Context(), spec)
			if err != nil {
				return err
			}
			fmt.Printf("registered %s (revision %d)\n", res.Name, res.Revision)
			return nil
		},
	}
	cmd.Flags().String("name", "", "environment name")
	cmd.Flags().String("container", "", "base container image")
	cmd.Flags().StringSlice("conda-channel", nil, "conda channel, in priority order (repeatable)")
	cmd.Flags().StringSlice("conda-dep", nil, "conda dependency specifier (repeatable)")
	cmd.Flags().StringSlice("pip", nil, "pip dependency specifier (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newEnvLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List registered software environments",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, _, err := resolveRegistrar(cmd)
			if err != nil {
				return err
			}
			envs, err := reg.Client().ListSoftwareEnvironments(cmd.Context())
			if err != nil {
				return err
			}
			for _, e := range envs {
				fmt.Printf("%s\trev %d\t%s\n", e.Name, e.Revision, e.Container)
			}
			return nil
		},
	}
}

func newEnvInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <name>",
		Short: "Show a registered software environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, _, err := resolveRegistrar(cmd)
			if err != nil {
				return err
			}
			rec, err := reg.Client().GetSoftwareEnvironment(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("name: %s\nrevision: %d\ncontainer: %s\n", rec.Name, rec.Revision, rec.Container)
			if rec.Conda != nil {
				fmt.Printf("conda channels: %s\nconda dependencies: %s\n",
					strings.Join(rec.Conda.Channels, ", "), strings.Join(rec.Conda.Dependencies, ", "))
			}
			if len(rec.Pip) > 0 {
				fmt.Printf("pip: %s\n", strings.Join(rec.Pip, ", "))
			}
			return nil
		},
	}
}

func newEnvRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>",
		Short: "Delete a registered software environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, _, err := resolveRegistrar(cmd)
			if err != nil {
				return err
			}
			if err := reg.Client().DeleteSoftwareEnvironment(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		},
	}
}

// Job configuration commands
func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage job configurations",
	}
	cmd.AddCommand(newJobCreateCmd())
	cmd.AddCommand(newJobLsCmd())
	cmd.AddCommand(newJobRmCmd())
	return cmd
}

func newJobCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create -- <command> [args...]",
		Short: "Register a job configuration",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			software, _ := cmd.Flags().GetString("software")
			files, _ := cmd.Flags().GetStringSlice("file")
			ports, _ := cmd.Flags().GetIntSlice("port")
			description, _ := cmd.Flags().GetString("description")
			spec := api.JobSpec{
				Name:        name,
				Software:    software,
				Command:     args,
				Files:       files,
				Ports:       ports,
				Description: description,
			}
			reg, _, err := resolveRegistrar(cmd)
			if err != nil {
				return err
			}
			// Attached files resolve against the working directory.
			cwd, err := os.Getwd()
			if err != nil {
				return err
			}
			m := &manifest.Manifest{Dir: cwd}
			res, err := reg.RegisterJob(cmd.Context(), m, spec)
			if err != nil {
				return err
			}
			fmt.Printf("registered %s (revision %d)\n", res.Name, res.Revision)
			return nil
		},
	}
	cmd.Flags().String("name", "", "job name")
	cmd.Flags().String("software", "", "software environment to run in")
	cmd.Flags().StringSlice("file", nil, "file to ship with the job (repeatable)")
	cmd.Flags().IntSlice("port", nil, "TCP port the job exposes (repeatable)")
	cmd.Flags().String("description", "", "free-text description")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("software")
	return cmd
}

func newJobLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List registered job configurations",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, _, err := resolveRegistrar(cmd)
			if err != nil {
				return err
			}
			jobs, err := reg.Client().ListJobConfigurations(cmd.Context())
			if err != nil {
				return err
			}
			for _, j := range jobs {
				fmt.Printf("%s\trev %d\t%s\t%s\n", j.Name, j.Revision, j.Software, strings.Join(j.Command, " "))
			}
			return nil
		},
	}
}

func newJobRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>",
		Short: "Delete a registered job configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, _, err := resolveRegistrar(cmd)
			if err != nil {
				return err
			}
			if err := reg.Client().DeleteJobConfiguration(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		},
	}
}

// Uploads host commands
func newUploadsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uploads",
		Short: "Manage the out-of-band uploads host",
	}
	trust := &cobra.Command{
		Use:   "trust <host> <authorized-key>",
		Short: "Pin the uploads host key in known_hosts",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if err := gssh.AppendKnownHost(cfg.Uploads.KnownHosts, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("pinned host key for %s\n", args[0])
			return nil
		},
	}
	cmd.AddCommand(trust)
	return cmd
}

// Ping the registry
func newHeartbeatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat",
		Short: "Check the registry is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, cfg, err := resolveRegistrar(cmd)
			if err != nil {
				return err
			}
			hb, err := reg.Client().Heartbeat(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("registry %s is up (version %s, time %s)\n", cfg.Registry.URL, hb.Version, hb.Time.Format(time.RFC3339))
			return nil
		},
	}
}

// Initialize configuration and keys
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "stratus initialization command. Run this the first time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			written, err := core.WriteDefaultConfig(cfgPath)
			if err != nil {
				return err
			}
			fmt.Printf("config at %s\n", written)

			cfg, err := core.LoadConfig(written)
			if err != nil {
				return err
			}
			if err := gssh.EnsureKnownHostsFile(cfg.Uploads.KnownHosts); err != nil {
				return err
			}
			if _, err := os.Stat(cfg.Uploads.KeyPath); os.IsNotExist(err) {
				if err := os.MkdirAll(filepath.Dir(cfg.Uploads.KeyPath), 0o700); err != nil {
					return err
				}
				pub, err := gssh.GenerateEd25519Keypair(cfg.Uploads.KeyPath)
				if err != nil {
					return err
				}
				fmt.Printf("generated uploads key %s\npublic key: %s", cfg.Uploads.KeyPath, pub)
			}
			return nil
		},
	}
}
