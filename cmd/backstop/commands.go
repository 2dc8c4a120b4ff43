package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/backstop"
	"github.com/loykin/backstop/pkg/client"
)

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the proxy and supervise the backend",
		Long: `Start the front door, spawn the backend and keep it healthy until
SIGINT or SIGTERM. Without a config file the built-in defaults apply.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, path)
		},
	}
}

func runServe(ctx context.Context, path string) error {
	cfg, err := backstop.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	a, err := backstop.New(cfg)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

func createVerifyCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check that a chromium build is installed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd.OutOrStdout(), globalFlags.ConfigPath)
		},
	}
}

func runVerify(w io.Writer, path string) error {
	cfg, err := backstop.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	r, err := backstop.VerifyBrowser(cfg)
	_, _ = fmt.Fprintf(w, "browsers path: %s\n", r.BrowsersPath)
	if len(r.Entries) > 0 {
		_, _ = fmt.Fprintf(w, "entries: %s\n", strings.Join(r.Entries, ", "))
	}
	for _, c := range r.Chromium {
		if c.Executable != "" {
			_, _ = fmt.Fprintf(w, "chromium: %s (executable %s)\n", c.Dir, c.Executable)
		} else {
			_, _ = fmt.Fprintf(w, "chromium: %s (no executable found)\n", c.Dir)
		}
	}
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(w, "browser verified")
	return nil
}

func addAdminFlags(cmd *cobra.Command, f *AdminFlags) {
	cmd.Flags().StringVar(&f.AdminURL, "admin-url", "", "admin API base URL (default: derived from [admin].listen)")
	cmd.Flags().StringVar(&f.Timeout, "timeout", "10s", "request timeout")
}

func createStatusCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &AdminFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the backend status of a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := adminClient(globalFlags, f)
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
	addAdminFlags(cmd, f)
	return cmd
}

func createRestartCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &AdminFlags{}
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the backend of a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := adminClient(globalFlags, f)
			if err != nil {
				return err
			}
			rr, err := c.Restart(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rr)
		},
	}
	addAdminFlags(cmd, f)
	return cmd
}

func adminClient(globalFlags *GlobalFlags, f *AdminFlags) (*client.Client, error) {
	timeout, err := time.ParseDuration(f.Timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid --timeout: %w", err)
	}
	url := f.AdminURL
	if url == "" {
		cfg, err := backstop.LoadConfig(globalFlags.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
		if url, err = adminURLFromListen(cfg.Admin.Listen); err != nil {
			return nil, err
		}
	}
	return client.New(client.Config{BaseURL: url, Timeout: timeout}), nil
}

// adminURLFromListen turns a listen address into a URL a local client can
// dial; wildcard hosts become loopback.
func adminURLFromListen(listen string) (string, error) {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", fmt.Errorf("admin listen %q: %w", listen, err)
	}
	if port == "" || port == "0" {
		return "", errors.New("admin listen has no fixed port; pass --admin-url")
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
