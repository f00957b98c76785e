package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/gosuda/boardsync/internal/domain"
	"github.com/gosuda/boardsync/internal/syncclient"
)

func ticketCmd() *cobra.Command {
	var baseURL string

	cmd := &cobra.Command{
		Use:   "ticket",
		Short: "Create, update, or delete tickets on a running server",
	}
	cmd.PersistentFlags().StringVarP(&baseURL, "url", "u", serverURL(), "Server base URL (default from BOARDSYNC_URL)")

	newClient := func() (*syncclient.Client, error) {
		return syncclient.New(syncclient.Options{BaseURL: baseURL})
	}

	cmd.AddCommand(
		ticketCreateCmd(newClient),
		ticketUpdateCmd(newClient),
		ticketDeleteCmd(newClient),
	)

	return cmd
}

type clientFactory func() (*syncclient.Client, error)

func ticketCreateCmd(newClient clientFactory) *cobra.Command {
	var title, description string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a ticket in the todo column",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			t, err := client.CreateTicket(cmd.Context(), title, description)
			if err != nil {
				return err
			}
			return printJSON(cmd, t)
		},
	}

	cmd.Flags().StringVarP(&title, "title", "t", "", "Ticket title")
	cmd.Flags().StringVarP(&description, "description", "d", "", "Ticket description")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("description")

	return cmd
}

func ticketUpdateCmd(newClient clientFactory) *cobra.Command {
	var title, description, status string

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change a ticket's title, description, or status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid ticket id %q", args[0])
			}

			var patch domain.TicketPatch
			if cmd.Flags().Changed("title") {
				patch.Title = &title
			}
			if cmd.Flags().Changed("description") {
				patch.Description = &description
			}
			if cmd.Flags().Changed("status") {
				s := domain.TicketStatus(status)
				patch.Status = &s
			}
			if patch == (domain.TicketPatch{}) {
				return errors.New("nothing to update: pass --title, --description, or --status")
			}

			client, err := newClient()
			if err != nil {
				return err
			}
			t, err := client.UpdateTicket(cmd.Context(), id, patch)
			if err != nil {
				return err
			}
			return printJSON(cmd, t)
		},
	}

	cmd.Flags().StringVarP(&title, "title", "t", "", "New title")
	cmd.Flags().StringVarP(&description, "description", "d", "", "New description")
	cmd.Flags().StringVarP(&status, "status", "s", "", "New status: todo, in-progress, or done")

	return cmd
}

func ticketDeleteCmd(newClient clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid ticket id %q", args[0])
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			if err := client.DeleteTicket(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted ticket #%d\n", id)
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
