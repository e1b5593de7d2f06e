package main

import (
	"encoding/json"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/pagesmith/internal/agent"
	"github.com/ashureev/pagesmith/internal/config"
	"github.com/ashureev/pagesmith/internal/domain"
	"github.com/ashureev/pagesmith/internal/store"
)

type stageInfo struct {
	Index    int          `json:"index"`
	Stage    domain.Stage `json:"stage"`
	Agent    string       `json:"agent,omitempty"`
	Terminal bool         `json:"terminal,omitempty"`
	Timeout  string       `json:"timeout,omitempty"`
}

func newStagesCmd() *cobra.Command {
	var profilePath string
	cmd := &cobra.Command{
		Use:   "stages",
		Short: "Print the stage order and the agent serving each stage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			profile, err := config.LoadAgentProfile(profilePath)
			if err != nil {
				return err
			}
			strategies := agent.DefaultStrategies(profile)
			enc := json.NewEncoder(cmd.OutOrStdout())
			for i, st := range domain.Stages() {
				info := stageInfo{Index: i, Stage: st, Terminal: st.Terminal()}
				if s, ok := strategies[st]; ok {
					info.Agent = s.Name()
					if d := s.Timeout(); d > 0 {
						info.Timeout = d.String()
					}
				}
				if err := enc.Encode(info); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&profilePath, "profile", "", "Agent profile YAML file")
	return cmd
}

type checkReport struct {
	Store    string `json:"store"`
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
	Preview  bool   `json:"preview"`
	Profile  string `json:"profile,omitempty"`
}

func newCheckCmd() *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and reach the session store",
		Long: `Loads configuration the way the server does, opens the configured
session store and pings it. Prints a JSON summary on success.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if envFile != "" {
				if err := godotenv.Load(envFile); err != nil {
					return fmt.Errorf("load %s: %w", envFile, err)
				}
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if _, err := config.LoadAgentProfile(cfg.AgentProfilePath); err != nil {
				return err
			}
			repo, err := store.Open(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer repo.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(checkReport{
				Store:    cfg.StoreBackend,
				Provider: cfg.Model.Provider,
				Model:    cfg.Model.Name,
				Preview:  cfg.Preview.Enabled,
				Profile:  cfg.AgentProfilePath,
			})
		},
	}
	cmd.Flags().StringVar(&envFile, "env", "", "Load environment from this dotenv file first")
	return cmd
}
