package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fentz26/orbiter/internal/bus"
	"github.com/fentz26/orbiter/internal/store"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Operate on agents",
}

var agentScopes string

var agentCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var scopes []string
		if agentScopes != "" {
			scopes = strings.Split(agentScopes, ",")
		}
		return withStoreAndBus(func(ctx context.Context, s store.Store, b bus.Bus) error {
			agent, err := s.CreateAgent(ctx, args[0], scopes)
			if err != nil {
				return err
			}
			fmt.Println(agent.ID)
			return nil
		})
	},
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStoreAndBus(func(ctx context.Context, s store.Store, b bus.Bus) error {
			agents, err := s.ListAgents(ctx)
			if err != nil {
				return err
			}
			for _, a := range agents {
				state := ""
				if a.Disabled {
					state = " (disabled)"
				}
				fmt.Printf("%s  %-20s %s%s\n", a.ID, a.Name, strings.Join(a.Scopes, ","), state)
			}
			return nil
		})
	},
}

var agentDisableCmd = &cobra.Command{
	Use:   "disable <agent-id>",
	Short: "Soft-disable an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStoreAndBus(func(ctx context.Context, s store.Store, b bus.Bus) error {
			return s.DisableAgent(ctx, args[0])
		})
	},
}

func init() {
	agentCreateCmd.Flags().StringVar(&agentScopes, "scopes", "", "Comma-separated scopes")
	agentCmd.AddCommand(agentCreateCmd)
	agentCmd.AddCommand(agentListCmd)
	agentCmd.AddCommand(agentDisableCmd)
}
