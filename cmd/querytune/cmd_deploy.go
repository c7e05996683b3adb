package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// #region deploy
func newDeployCmd(a *app) *cobra.Command {
	var agentConfig, agentAddr, agentID string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy a configuration as a new agent, or update an existing one",
		Long: `deploy creates an agent from the configuration and prints its id.
With --agent-id the existing agent is updated in place instead.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if cmd.Flags().Changed("agent-config") {
				cfg.Run.ConfigPath = agentConfig
			}
			if cmd.Flags().Changed("agent-addr") {
				cfg.Agent.Addr = agentAddr
			}
			if cmd.Flags().Changed("agent-id") {
				cfg.Agent.AgentID = agentID
			}
			start, err := loadConfiguration(cfg.Run.ConfigPath)
			if err != nil {
				return err
			}
			qa, err := connectAgent(cfg.Agent)
			if err != nil {
				return err
			}
			defer qa.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if cfg.Agent.AgentID != "" {
				if err := qa.Update(ctx, cfg.Agent.AgentID, start); err != nil {
					return setupErr("update agent", cfg.Agent.AgentID, err)
				}
				a.logger.Info("agent updated", "agent_id", cfg.Agent.AgentID, "version_id", start.VersionID)
				fmt.Fprintln(a.stdout, cfg.Agent.AgentID)
				return nil
			}
			id, err := qa.Deploy(ctx, start)
			if err != nil {
				return setupErr("deploy agent", cfg.Agent.Addr, err)
			}
			a.logger.Info("agent deployed", "agent_id", id, "version_id", start.VersionID)
			fmt.Fprintln(a.stdout, id)
			return nil
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&agentConfig, "agent-config", "", "configuration to deploy (.yaml or .json)")
	fs.StringVar(&agentAddr, "agent-addr", "", "query agent gRPC address")
	fs.StringVar(&agentID, "agent-id", "", "update this agent instead of creating one")
	fs.DurationVar(&timeout, "timeout", 2*time.Minute, "deploy deadline")
	return cmd
}

// #endregion deploy
