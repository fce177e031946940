package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pagelift/pagelift/config"
	"github.com/pagelift/pagelift/log"
	"github.com/pagelift/pagelift/orchestrator"
	"github.com/pagelift/pagelift/task"
)

var (
	version = "1.0.0"

	inputDirFlag  string
	runDirFlag    string
	pipelineFlag  string
	bootstrapFlag string
	dryRunFlag    bool
	resumeFlag    bool

	rootCmd = &cobra.Command{
		Use:   "pagelift",
		Short: "pagelift - migrates legacy JSF pages to Angular through a staged agent pipeline",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the migration over every source page in the input directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize()
			defer log.Close()

			cfg := config.LoadConfig()
			if runDirFlag != "" {
				cfg.RunDir = runDirFlag
			}

			sources, err := discoverSources(inputDirFlag)
			if err != nil {
				return err
			}
			if len(sources) == 0 {
				return fmt.Errorf("no source pages found under %s", inputDirFlag)
			}

			bootstrap := task.DefaultBootstrapPipeline()
			if bootstrapFlag != "" {
				if bootstrap, err = task.LoadPipelineFile(bootstrapFlag); err != nil {
					return err
				}
			}
			migration := task.DefaultMigrationPipeline()
			if pipelineFlag != "" {
				if migration, err = task.LoadPipelineFile(pipelineFlag); err != nil {
					return err
				}
			}

			registry := task.NewRegistry()
			if dryRunFlag {
				registerDryRunCapabilities(registry, bootstrap, migration)
			} else {
				// Real capabilities are wired in by embedding pagelift as a
				// library; the CLI on its own can only exercise the runtime.
				return fmt.Errorf("no capabilities registered: pass --dry-run, or embed pagelift and register capabilities")
			}

			orch := orchestrator.New(cfg, registry, bootstrap, migration)
			orch.ResumeFromCheckpoint = resumeFlag

			ctx, cancelCtx := context.WithCancel(cmd.Context())
			defer cancelCtx()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				<-sigCh
				fmt.Fprintln(os.Stderr, "cancellation requested, letting in-flight attempts finish...")
				if err := orch.Cancel(); err != nil {
					log.WarningLog.Printf("cancel: %v", err)
				}
				// A second signal aborts without waiting for the grace period.
				<-sigCh
				cancelCtx()
			}()

			result, err := orch.Run(ctx, sources)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of pagelift",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pagelift version %s\n", version)
		},
	}
)

// discoverSources lists the source pages under the input directory, sorted
// for a stable work-item order across runs.
func discoverSources(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.xhtml"))
	if err != nil {
		return nil, fmt.Errorf("scan input directory: %w", err)
	}
	sources := make([]string, 0, len(matches))
	for _, match := range matches {
		rel, err := filepath.Rel(dir, match)
		if err != nil {
			rel = filepath.Base(match)
		}
		sources = append(sources, rel)
	}
	sort.Strings(sources)
	return sources, nil
}

// registerDryRunCapabilities binds a deterministic passthrough capability to
// every stage so a run can exercise the full runtime without external
// services.
func registerDryRunCapabilities(registry *task.Registry, defs ...task.PipelineDefinition) {
	for _, def := range defs {
		for _, stage := range def.Stages {
			outputs := stage.Outputs
			registry.Register(stage.Capability, task.CapabilityFunc(func(_ context.Context, input task.Payload) (task.Payload, error) {
				out := task.Payload{}
				for _, key := range outputs {
					out[key] = map[string]any{"dry_run": true, "echo": input["file_path"]}
				}
				return out, nil
			}))
		}
	}
}

func main() {
	runCmd.Flags().StringVarP(&inputDirFlag, "input", "i", "input", "directory holding the source .xhtml pages")
	runCmd.Flags().StringVar(&runDirFlag, "run-dir", "", "directory for per-run state (memory, observability, checkpoint)")
	runCmd.Flags().StringVar(&pipelineFlag, "pipeline", "", "YAML file overriding the per-page pipeline")
	runCmd.Flags().StringVar(&bootstrapFlag, "bootstrap-pipeline", "", "YAML file overriding the bootstrap pipeline")
	runCmd.Flags().BoolVar(&dryRunFlag, "dry-run", false, "run with deterministic stub capabilities")
	runCmd.Flags().BoolVar(&resumeFlag, "resume", false, "resume from the checkpoint in the run directory")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
