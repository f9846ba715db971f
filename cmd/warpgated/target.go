package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/warp-tech/warpgate/internal/identity"
)

func newTargetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "target",
		Short: "Manage proxy targets",
	}
	cmd.AddCommand(newTargetAddCommand())
	return cmd
}

func newTargetAddCommand() *cobra.Command {
	var (
		protocol    string
		description string
		sshHost     string
		sshPort     int
		sshUsername string
		pgHost      string
		pgPort      int
		pgUsername  string
		pgPassword  string
		k8sURL      string
		httpURL     string
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a new target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, db, provider, err := openStore(ctx, configPath)
			if err != nil {
				return err
			}
			defer db.Close()

			opts := identity.TargetOptions{Protocol: identity.TargetProtocol(protocol)}
			switch opts.Protocol {
			case identity.ProtocolSSH:
				opts.SSHHost, opts.SSHPort, opts.SSHUsername = sshHost, sshPort, sshUsername
			case identity.ProtocolPostgres:
				opts.PgHost, opts.PgPort, opts.PgUsername, opts.PgPassword = pgHost, pgPort, pgUsername, pgPassword
			case identity.ProtocolKubernetes:
				opts.K8sClusterURL = k8sURL
			case identity.ProtocolHTTP:
				opts.HTTPURL = httpURL
			default:
				return fmt.Errorf("unknown --protocol %q, want one of ssh|postgres|kubernetes|http", protocol)
			}

			name := args[0]
			if _, err := provider.CreateTarget(ctx, name, description, opts); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created target %q (%s)\n", name, opts.Protocol)
			return nil
		},
	}

	cmd.Flags().StringVar(&protocol, "protocol", "", "ssh|postgres|kubernetes|http")
	cmd.Flags().StringVar(&description, "description", "", "Human-readable description")
	cmd.Flags().StringVar(&sshHost, "ssh-host", "", "SSH target host")
	cmd.Flags().IntVar(&sshPort, "ssh-port", 22, "SSH target port")
	cmd.Flags().StringVar(&sshUsername, "ssh-username", "", "SSH target username")
	cmd.Flags().StringVar(&pgHost, "pg-host", "", "PostgreSQL target host")
	cmd.Flags().IntVar(&pgPort, "pg-port", 5432, "PostgreSQL target port")
	cmd.Flags().StringVar(&pgUsername, "pg-username", "", "PostgreSQL target username")
	cmd.Flags().StringVar(&pgPassword, "pg-password", "", "PostgreSQL target password")
	cmd.Flags().StringVar(&k8sURL, "k8s-cluster-url", "", "Kubernetes API server URL")
	cmd.Flags().StringVar(&httpURL, "http-url", "", "HTTP target base URL")

	return cmd
}
