package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"agent-mem/internal/config"
	"agent-mem/internal/consolidation"
	"agent-mem/internal/vectorstore"
	"agent-mem/internal/watcher"
)

var (
	configPath string
	app        *App
)

func main() {
	root := &cobra.Command{
		Use:   "agent-mem-mcp",
		Short: "Persistent memory engine — MCP server and maintenance CLI",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a, err := NewApp(cmd.Context(), settings)
			if err != nil {
				return fmt.Errorf("init app: %w", err)
			}
			if err := a.EnsureSchema(cmd.Context()); err != nil {
				a.Close()
				return fmt.Errorf("ensure schema: %w", err)
			}
			if report, err := a.Memory.Reconcile(cmd.Context(), 0); err != nil {
				log.Printf("reconcile: startup sweep failed: %v", err)
			} else if report.OrphanChunks > 0 || report.DanglingEdges > 0 {
				log.Printf("reconcile: %d orphan chunks, %d dangling edges in a sample of %d points",
					report.OrphanChunks, report.DanglingEdges, report.SampleSize)
			}
			app = a
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if app != nil {
				app.Close()
			}
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to settings.yaml")

	root.AddCommand(serveCmd(), migrateCmd(), backupCmd(), maintainCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "agent-mem-mcp:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		transport string
		host      string
		port      int
		watch     bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server (stdio/sse/streamable/http)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if watch {
				app.Watcher.Start()
			}

			if resolved := config.ResolveConfigPath(configPath); resolved != "" {
				if cfgWatcher, err := watcher.WatchConfig(resolved, applyReloadedSettings); err != nil {
					fmt.Fprintf(os.Stderr, "agent-mem-mcp: config hot reload disabled: %v\n", err)
				} else {
					defer cfgWatcher.Close()
				}
			}

			server := buildServer(app)
			switch transport {
			case "stdio":
				return server.Run(cmd.Context(), &mcp.StdioTransport{})
			case "sse", "streamable", "http":
				mux := http.NewServeMux()
				if transport == "sse" || transport == "http" {
					mux.Handle("/sse", mcp.NewSSEHandler(func(*http.Request) *mcp.Server { return server }, nil))
				}
				if transport == "streamable" || transport == "http" {
					mux.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil))
				}
				addr := fmt.Sprintf("%s:%d", host, port)
				fmt.Printf("agent-mem-mcp listening on http://%s\n", addr)
				return http.ListenAndServe(addr, mux)
			default:
				return fmt.Errorf("unsupported transport %q", transport)
			}
		},
	}
	cmd.Flags().StringVar(&transport, "transport", "stdio", "stdio/sse/streamable/http")
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "listen host (http transports)")
	cmd.Flags().IntVar(&port, "port", 8787, "listen port (http transports)")
	cmd.Flags().BoolVar(&watch, "watch", false, "enable drop-directory auto-ingest alongside serving")
	return cmd
}

// applyReloadedSettings is watcher.WatchConfig's onReload callback: it
// applies the subset of settings.yaml that can change safely without
// tearing down live connections (graph enablement, watcher filtering).
// Storage/embedding settings require a process restart to take effect.
func applyReloadedSettings(settings config.Settings) {
	app.Settings = settings
	app.Graph.SetEnabled(settings.Graph.Enabled)
	app.Watcher.UpdateSettings(settings.Watcher)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the vector and relational schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("schema ensured")
			return nil
		},
	}
}

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "backup", Short: "Export and import memory snapshots"}

	var includeVectors bool
	exportCmd := &cobra.Command{
		Use:   "export <path>",
		Short: "Export all memories, edges, and rejections to a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := app.Backup.Export(cmd.Context(), includeVectors)
			if err != nil {
				return err
			}
			if err := backupWriteToFile(app, doc, args[0]); err != nil {
				return err
			}
			fmt.Printf("exported %d memories, %d edges to %s\n", len(doc.Memories), len(doc.Edges), args[0])
			return nil
		},
	}
	exportCmd.Flags().BoolVar(&includeVectors, "include-vectors", false, "embed chunk vectors in the export")

	var skipExisting bool
	importCmd := &cobra.Command{
		Use:   "import <path>",
		Short: "Restore memories, edges, and rejections from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := backupReadFromFile(app, args[0])
			if err != nil {
				return err
			}
			report, err := app.Backup.Import(cmd.Context(), doc, skipExisting)
			if err != nil {
				return err
			}
			fmt.Printf("imported %d memories (%d skipped), %d edges (%d skipped), %d errors\n",
				report.MemoriesCreated, report.MemoriesSkipped, report.EdgesCreated, report.EdgesSkipped, report.Errors)
			return nil
		},
	}
	importCmd.Flags().BoolVar(&skipExisting, "skip-existing", true, "skip memories that already exist rather than overwriting")

	cmd.AddCommand(exportCmd, importCmd)
	return cmd
}

func maintainCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "maintain", Short: "Run consolidation/forget/decay maintenance passes"}

	var (
		category   string
		dryRun     bool
		threshold  float64
		minImport  float64
		maxAgeDays int
		halfLife   float64
	)

	consolidateCmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Merge near-duplicate memories",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := app.Consolidation.Consolidate(cmd.Context(), consolidation.ConsolidateParams{
				Category: vectorstore.Category(category), SimilarityThreshold: threshold,
				MinImportance: minImport, MaxAgeDays: maxAgeDays, DryRun: dryRun,
			})
			printReport(report)
			return err
		},
	}
	consolidateCmd.Flags().Float64Var(&threshold, "similarity-threshold", 0.9, "cosine similarity threshold for merging")

	forgetCmd := &cobra.Command{
		Use:   "forget",
		Short: "Delete old, unimportant, unaccessed, edge-free memories",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := app.Consolidation.Forget(cmd.Context(), consolidation.ForgetParams{
				Category: vectorstore.Category(category), MaxAgeDays: maxAgeDays, MinImportance: minImport, DryRun: dryRun,
			})
			printReport(report)
			return err
		},
	}

	decayCmd := &cobra.Command{
		Use:   "decay",
		Short: "Decay importance by half-life for stale memories",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := app.Consolidation.Decay(cmd.Context(), consolidation.DecayParams{
				Category: vectorstore.Category(category), HalfLifeDays: halfLife, DryRun: dryRun,
			})
			printReport(report)
			return err
		},
	}
	decayCmd.Flags().Float64Var(&halfLife, "half-life-days", 30, "importance half-life in days")

	for _, c := range []*cobra.Command{consolidateCmd, forgetCmd, decayCmd} {
		c.Flags().StringVar(&category, "category", "semantic", "episodic/semantic/procedural")
		c.Flags().BoolVar(&dryRun, "dry-run", false, "preview the pass without mutating storage")
		c.Flags().Float64Var(&minImport, "min-importance", 0.3, "importance floor")
		c.Flags().IntVar(&maxAgeDays, "max-age-days", 90, "age threshold in days")
	}

	cmd.AddCommand(consolidateCmd, forgetCmd, decayCmd)
	return cmd
}

func printReport(r consolidation.Report) {
	fmt.Printf("%s: processed=%d merged=%d forgotten=%d updated=%d preview=%v duration=%s\n",
		r.Operation, r.TotalProcessed, r.MergedCount, r.ForgottenCount, r.UpdatedCount, r.IsPreview, r.Duration)
}
