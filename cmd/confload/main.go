// Command confload is an offline CLI for importing, exporting, and
// validating a module's startup-datastore tree against the same
// plugin.Datastore backing confcored uses — the same startup-config-file
// workflow a sysrepocfg-style tool gives operators, without going
// through a running daemon's session API.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sysshare/confcore/internal/config"
	"github.com/sysshare/confcore/internal/plugin"
	"github.com/sysshare/confcore/internal/tree"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "confload",
		Short: "import, export, and validate module datastore trees offline",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	root.AddCommand(
		importCmd(&configPath),
		exportCmd(&configPath),
		validateCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, configPath string) (plugin.Datastore, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Profile == config.ProfileCluster {
		dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			cfg.Postgres.Username, cfg.Postgres.Password, cfg.Postgres.Host,
			cfg.Postgres.Port, cfg.Postgres.Database, cfg.Postgres.SSLMode)
		return plugin.NewPostgres(ctx, dsn)
	}
	return plugin.NewSQLite(cfg.SQLite.Path)
}

func importCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <module> <file>",
		Short: "load an xpath=value file into a module's startup datastore",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			module, path := args[0], args[1]
			ctx := cmd.Context()

			lines, err := readLines(path)
			if err != nil {
				return err
			}
			t, err := tree.Parse(lines)
			if err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}

			store, err := openStore(ctx, *configPath)
			if err != nil {
				return err
			}
			if err := store.Init(ctx, module); err != nil {
				return fmt.Errorf("init module %q: %w", module, err)
			}
			if err := store.Store(ctx, module, t); err != nil {
				return fmt.Errorf("store module %q: %w", module, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d top-level node(s) into %q\n", len(t.Root.Children), module)
			return nil
		},
	}
	return cmd
}

func exportCmd(configPath *string) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "export <module>",
		Short: "dump a module's current datastore tree as xpath=value lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			module := args[0]
			ctx := cmd.Context()

			store, err := openStore(ctx, *configPath)
			if err != nil {
				return err
			}
			t, err := store.Load(ctx, module)
			if err != nil {
				return fmt.Errorf("load module %q: %w", module, err)
			}

			w := cmd.OutOrStdout()
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			serialize(w, t)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "parse an xpath=value file and report any structural errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lines, err := readLines(args[0])
			if err != nil {
				return err
			}
			t, err := tree.Parse(lines)
			if err != nil {
				return err
			}
			count := 0
			t.Walk(func(string, *tree.Node) bool { count++; return true })
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d node(s) parsed\n", count)
			return nil
		},
	}
	return cmd
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, sc.Err()
}

func serialize(w interface{ Write([]byte) (int, error) }, t *tree.T) {
	t.Walk(func(xpath string, n *tree.Node) bool {
		if n.Kind == tree.KindLeaf || n.Kind == tree.KindLeafList {
			fmt.Fprintf(w, "%s=%s\n", xpath, n.Value)
		}
		return true
	})
}
