package cmds

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/chatsocket/pkg/persistence"
)

func NewHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect persisted conversations",
	}
	cmd.PersistentFlags().StringP("output", "o", "text", "Output format (text, json, yaml)")

	cmd.AddCommand(newHistoryListCommand())
	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryDeleteCommand())

	return cmd
}

func openHistory(cmd *cobra.Command) (*persistence.History, func(), error) {
	settings := LoadSettings()
	store, err := settings.OpenSnapshotStore(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	return persistence.NewHistory(store, settings.SnapshotKey), func() { _ = store.Close() }, nil
}

func newHistoryListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the most recent conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			output, _ := cmd.Flags().GetString("output")

			history, closeStore, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			entries, err := history.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return writeHistoryEntries(cmd.OutOrStdout(), output, entries)
		},
	}
	cmd.Flags().Int("limit", persistence.DefaultHistoryLimit, "Number of conversations to list")
	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Print one conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")

			history, closeStore, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			c, ok, err := history.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("conversation %s not found", args[0])
			}
			if output == "text" {
				writeTranscript(cmd.OutOrStdout(), c)
				return nil
			}
			return writeStructured(cmd.OutOrStdout(), output, c)
		},
	}
}

func newHistoryDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Remove a conversation from the persisted index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			history, closeStore, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			deleted, err := history.Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !deleted {
				return fmt.Errorf("conversation %s not found", args[0])
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return err
		},
	}
}

func writeHistoryEntries(w io.Writer, output string, entries []persistence.HistoryEntry) error {
	if output != "text" {
		return writeStructured(w, output, entries)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tTITLE\tMESSAGES\tAGE")
	for _, e := range entries {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", e.ID, e.Title, e.Messages, e.Age)
	}
	return tw.Flush()
}

func writeStructured(w io.Writer, output string, v interface{}) error {
	switch output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q", output)
	}
}
