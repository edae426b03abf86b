// Package main is the entry point for the flume CLI. It provides offline
// tooling around workflow configuration: validation and deterministic
// skip-analysis simulation.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/flumeai/flume-oss/pkg/config"
	"github.com/flumeai/flume-oss/pkg/container"
	"github.com/flumeai/flume-oss/pkg/domain"
	"github.com/flumeai/flume-oss/pkg/engine"
	"github.com/flumeai/flume-oss/pkg/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "flume",
		Short:         "Workflow tooling for the flume pipeline engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "flume.yaml", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "warn", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newSimulateCmd())
	return rootCmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a workflow configuration and build it without serving",
		RunE: func(cmd *cobra.Command, _ []string) error {
			workflow, teardown, err := buildWorkflow(cmd)
			if err != nil {
				return err
			}
			defer teardown()

			fmt.Fprintf(cmd.OutOrStdout(), "workflow %q is valid (%d plugins)\n",
				workflow.Name, workflow.InstanceCount())
			return nil
		},
	}
}

func newSimulateCmd() *cobra.Command {
	simulateCmd := &cobra.Command{
		Use:   "simulate",
		Short: "Predict stage and plugin skips for a sample request without executing plugins",
		RunE: func(cmd *cobra.Command, _ []string) error {
			workflow, teardown, err := buildWorkflow(cmd)
			if err != nil {
				return err
			}
			defer teardown()

			text, _ := cmd.Flags().GetString("text")
			agentID, _ := cmd.Flags().GetString("agent")

			simulator := engine.NewSimulator(nil, loggerFor(cmd))
			report := simulator.Simulate(workflow, domain.RequestInput{Text: text, AgentID: agentID})

			encoder := yaml.NewEncoder(cmd.OutOrStdout())
			defer func() { _ = encoder.Close() }()
			return encoder.Encode(report)
		},
	}
	simulateCmd.Flags().StringP("text", "t", "", "Request text to simulate")
	simulateCmd.Flags().StringP("agent", "a", "", "Agent identifier to simulate")
	return simulateCmd
}

// buildWorkflow loads the configuration, starts the resource container, and
// builds the workflow exactly the way the daemon does. The returned teardown
// stops the container.
func buildWorkflow(cmd *cobra.Command) (*engine.Workflow, func(), error) {
	configPath, _ := cmd.Flags().GetString("config")
	logger := loggerFor(cmd)

	doc, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	resources := container.New(logger)
	if err := engine.PopulateContainer(resources, doc.Resources, engine.BuiltinResourceFactories()); err != nil {
		return nil, nil, err
	}
	if err := resources.Start(ctx); err != nil {
		return nil, nil, err
	}
	teardown := func() {
		if err := resources.Stop(context.Background()); err != nil {
			logger.Warn("resource teardown failed", "error", err)
		}
	}

	registry := engine.NewRegistry(logger)
	if err := engine.RegisterBuiltins(registry); err != nil {
		teardown()
		return nil, nil, err
	}

	workflow, err := engine.NewBuilder(registry, resources, logger).Build(doc.Workflow, 1)
	if err != nil {
		teardown()
		return nil, nil, err
	}
	return workflow, teardown, nil
}

func loggerFor(cmd *cobra.Command) *slog.Logger {
	level, _ := cmd.Flags().GetString("log-level")
	return logging.NewLogger(logging.Config{Level: level, Pretty: true, Output: cmd.ErrOrStderr()})
}
