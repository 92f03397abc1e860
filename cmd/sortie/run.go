package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/vsavkov/sortie/internal/config"
	"github.com/vsavkov/sortie/internal/engine"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one agent run against a target repository",
	Long: `Execute one agent run end to end:

1. Resolve the persona/mission pair and render the prompt
2. Acquire the target into a disposable git workspace
3. Prepare the execution backend (local shell or docker)
4. Invoke the agent CLI and capture its raw event stream
5. Normalize events, compute metrics, validate the mission report
6. Run the verification commands, retrying with backoff

Every run leaves a self-describing artifact directory under the runs
root. Failures are classified into error.json with an actionable hint.`,
	Run: func(cmd *cobra.Command, args []string) {
		repo, _ := cmd.Flags().GetString("repo")
		agent, _ := cmd.Flags().GetString("agent")
		policy, _ := cmd.Flags().GetString("policy")
		personaID, _ := cmd.Flags().GetString("persona-id")
		missionID, _ := cmd.Flags().GetString("mission-id")
		seed, _ := cmd.Flags().GetInt("seed")
		model, _ := cmd.Flags().GetString("model")
		execBackend, _ := cmd.Flags().GetString("exec-backend")
		dockerContext, _ := cmd.Flags().GetString("exec-docker-context")
		verify, _ := cmd.Flags().GetStringArray("verify")
		obfuscate, _ := cmd.Flags().GetBool("obfuscate-agent-docs")
		configPath, _ := cmd.Flags().GetString("config")
		catalog, _ := cmd.Flags().GetString("catalog")
		runsRoot, _ := cmd.Flags().GetString("runs-root")
		keepWorkspace, _ := cmd.Flags().GetBool("keep-workspace")
		logLevel, _ := cmd.Flags().GetString("log-level")

		logger := newLogger(logLevel)

		cfg, err := resolveConfig(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			logger.Warn("signal received, cancelling run")
			cancel()
		}()

		res := engine.Run(ctx, engine.Request{
			Locator:            repo,
			Agent:              agent,
			Policy:             policy,
			PersonaID:          personaID,
			MissionID:          missionID,
			Seed:               seed,
			Model:              model,
			ExecBackend:        execBackend,
			DockerContext:      dockerContext,
			VerifyCommands:     verify,
			ObfuscateAgentDocs: obfuscate,
			KeepWorkspace:      keepWorkspace,
			Config:             cfg,
			CatalogRoot:        catalog,
			RunsRoot:           runsRoot,
			Logger:             logger,
		})

		printResult(res)
		os.Exit(res.ExitCode)
	},
}

// resolveConfig prefers --config, then runner.yaml in the working
// directory, then the built-in defaults.
func resolveConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	if _, err := os.Stat("runner.yaml"); err == nil {
		return config.Load("runner.yaml")
	}
	return config.Default(), nil
}

// printResult emits machine-readable key=value lines on stdout and
// human-facing summary, warnings, and validation details on stderr.
func printResult(res *engine.Result) {
	if res.RunDir != "" {
		fmt.Printf("run_dir=%s\n", res.RunDir)
	}
	fmt.Printf("status=%s\n", res.Status)
	if res.CommitSHA != "" {
		fmt.Printf("commit=%s\n", res.CommitSHA)
	}
	if res.ReportPath != "" {
		fmt.Printf("report=%s\n", res.ReportPath)
	}
	if res.Err != nil {
		fmt.Printf("error=%s\n", res.Err.Type)
	}

	for _, v := range res.Validation {
		fmt.Fprintf(os.Stderr, "validation: %s\n", v.String())
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(os.Stderr, "WARNING: %s\n", w)
	}

	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	switch {
	case res.Err == nil:
		fmt.Fprintln(os.Stderr, green("run succeeded"))
	case res.Status == engine.StatusRejected:
		fmt.Fprintln(os.Stderr, color.YellowString("run rejected by verification sentinel"))
	default:
		fmt.Fprintln(os.Stderr, red("run failed: "+res.Err.Error()))
		fmt.Fprintf(os.Stderr, "hint: %s\n", res.Err.Hint)
	}
}

func init() {
	runCmd.Flags().String("repo", "", "target locator: path, git URL, or pip:<requirement>")
	runCmd.Flags().String("agent", "", "agent CLI to run (codex, claude, gemini)")
	runCmd.Flags().String("policy", "default", "policy name from runner.yaml")
	runCmd.Flags().String("persona-id", "", "persona id (catalog default when empty)")
	runCmd.Flags().String("mission-id", "", "mission id (catalog default when empty)")
	runCmd.Flags().Int("seed", 0, "seed distinguishing sibling runs of the same target")
	runCmd.Flags().String("model", "", "model override passed to the agent CLI")
	runCmd.Flags().String("exec-backend", "", "execution backend: local (default) or docker")
	runCmd.Flags().String("exec-docker-context", "", "docker build context directory")
	runCmd.Flags().StringArray("verify", nil, "verification command (repeatable); the literal 'rejected' rejects the run")
	runCmd.Flags().Bool("obfuscate-agent-docs", false, "rename root-level agent instruction files in the workspace")
	runCmd.Flags().String("config", "", "path to runner.yaml")
	runCmd.Flags().String("catalog", "", "persona/mission catalog root")
	runCmd.Flags().String("runs-root", "", "root directory for run artifact trees")
	runCmd.Flags().Bool("keep-workspace", false, "keep the acquired workspace after the run")
	runCmd.Flags().String("log-level", "info", "log verbosity: debug, info, warn, error")
	_ = runCmd.MarkFlagRequired("repo")
	_ = runCmd.MarkFlagRequired("agent")
	rootCmd.AddCommand(runCmd)
}
