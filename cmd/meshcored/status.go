package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/stridetastic/meshcore/internal/config"
	"github.com/stridetastic/meshcore/internal/control"
)

func newStatusCmd(g *globalFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "status [interface...]",
		Short: "Query interface health from a running meshcored",
		Long: "Queries the control server's health service. Without arguments the interfaces " +
			"listed in the config file, or else in the database, are queried.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			if cfg.Control.Addr == "" {
				return fmt.Errorf("control server address is not configured")
			}
			names, err := statusTargets(cmd.Context(), cfg, args)
			if err != nil {
				return err
			}

			conn, err := grpc.NewClient(dialTarget(cfg.Control.Addr), grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return fmt.Errorf("dial %s: %w", cfg.Control.Addr, err)
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return printStatus(ctx, cmd.OutOrStdout(), conn, names)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "overall deadline for the health queries")
	return cmd
}

func statusTargets(ctx context.Context, cfg config.Config, args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	names := make([]string, 0, len(cfg.Interfaces))
	for _, ic := range cfg.Interfaces {
		names = append(names, ic.Name)
	}
	if len(names) > 0 {
		return names, nil
	}
	if strings.EqualFold(cfg.Database.Path, memoryDatabase) {
		return nil, fmt.Errorf("no interfaces named: pass interface names or a config file")
	}
	st, err := openStore(ctx, cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	ifaces, err := st.ListInterfaces(ctx)
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		names = append(names, iface.Name)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no interfaces configured")
	}
	return names, nil
}

func printStatus(ctx context.Context, w io.Writer, cc grpc.ClientConnInterface, names []string) error {
	health, err := control.CheckInterfaces(ctx, cc, names)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INTERFACE\tHEALTH")
	for _, h := range health {
		fmt.Fprintf(tw, "%s\t%s\n", h.Name, h.Status)
	}
	return tw.Flush()
}

// dialTarget turns a listen address such as ":50051" into a dialable one.
func dialTarget(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}
