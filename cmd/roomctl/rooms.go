package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"room-relay/domain"
	"room-relay/domain/idgen"
	"room-relay/errors"
	"room-relay/storage"
	"slices"
	"strings"

	"github.com/gookit/color"
	"github.com/mama165/sdk-go/logs"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every room of the backend",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(store storage.Store) error {
			return listRooms(cmd.Context(), store, cmd.OutOrStdout())
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get <roomId>",
	Short: "Print the public fields of one room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(store storage.Store) error {
			return getRoom(cmd.Context(), store, args[0], cmd.OutOrStdout())
		})
	},
}

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List the backend tags",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		for _, tag := range storage.Tags() {
			fmt.Fprintln(cmd.OutOrStdout(), tag)
		}
	},
}

func withStore(ctx context.Context, fn func(storage.Store) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := storage.Open(ctx, backendArgs, logs.GetLoggerFromLevel(slog.LevelWarn))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return fn(store)
}

func listRooms(ctx context.Context, store storage.Store, w io.Writer) error {
	lister, ok := store.(storage.Lister)
	if !ok {
		return fmt.Errorf("this backend cannot list its rooms, use get")
	}
	keys, err := lister.Keys(ctx)
	if err != nil {
		return err
	}
	slices.Sort(keys)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Id", "Name", "Description", "Created", "Modified", "Status"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("\t")

	for _, key := range keys {
		rec, err := readRecord(ctx, store, key)
		if err != nil {
			table.Append([]string{key, "", "", "", "", color.Red.Sprint(err.Error())})
			continue
		}
		table.Append([]string{
			rec.ID,
			rec.Name,
			lo.Ellipsis(rec.Description, 40),
			rec.CreatedAt,
			rec.ModifiedAt,
			color.Green.Sprint("ok"),
		})
	}
	table.Render()
	return nil
}

func getRoom(ctx context.Context, store storage.Store, id string, w io.Writer) error {
	if !idgen.IsValid(id) {
		return fmt.Errorf("room %q: %w", id, errors.ErrNotFound)
	}
	rec, err := readRecord(ctx, store, id)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description"`
		CreatedAt   string `json:"createdAt"`
		ModifiedAt  string `json:"modifiedAt"`
	}{rec.ID, rec.Name, rec.Description, rec.CreatedAt, rec.ModifiedAt}, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

// readRecord decodes a record and checks that it would hydrate.
func readRecord(ctx context.Context, store storage.Store, key string) (domain.Record, error) {
	data, err := store.Read(ctx, key)
	if err != nil {
		return domain.Record{}, err
	}
	if data == nil {
		return domain.Record{}, fmt.Errorf("room %s: %w", key, errors.ErrNotFound)
	}
	var rec domain.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.Record{}, fmt.Errorf("corrupted record: %w", err)
	}
	if rec.ID != key {
		return domain.Record{}, fmt.Errorf("record id %q does not match its key", strings.TrimSpace(rec.ID))
	}
	if _, err := domain.FromRecord(rec, nil); err != nil {
		return domain.Record{}, err
	}
	return rec, nil
}
