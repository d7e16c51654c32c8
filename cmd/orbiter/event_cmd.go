package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fentz26/orbiter/internal/bus"
	"github.com/fentz26/orbiter/internal/store"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Publish external events",
}

var eventPublishCmd = &cobra.Command{
	Use:   "publish <topic> [payload-json]",
	Short: "Publish an event; subscribed tasks fire immediately",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload json.RawMessage
		if len(args) == 2 {
			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("payload is not valid JSON")
			}
			payload = json.RawMessage(args[1])
		}
		return withStoreAndBus(func(ctx context.Context, s store.Store, b bus.Bus) error {
			if err := b.Publish(ctx, bus.Message{
				Kind:    bus.KindEventPublished,
				Topic:   args[0],
				Payload: payload,
			}); err != nil {
				return err
			}
			fmt.Printf("published event %s\n", args[0])
			return nil
		})
	},
}

func init() {
	eventCmd.AddCommand(eventPublishCmd)
}
