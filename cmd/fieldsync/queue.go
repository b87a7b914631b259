package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/inspectworks/fieldsync/internal/config"
	"github.com/inspectworks/fieldsync/internal/fieldsync"
)

var queueJSONOutput bool

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the durable sync queue",
	Long: `Inspect and manage the durable sync queue.

These commands open the queue store directly, so stop the daemon first
when using a bolt store; bolt files are locked by the running process.`,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued mutations",
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := loadQueueEntries()
		if err != nil {
			return err
		}
		if queueJSONOutput {
			return json.NewEncoder(os.Stdout).Encode(entries)
		}
		if len(entries) == 0 {
			fmt.Println("queue is empty")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tENTITY\tSTATUS\tATTEMPTS\tENQUEUED\tLAST ERROR")
		for _, entry := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				entry.ID,
				entry.Mutation.EntityID,
				entry.Status,
				entry.Attempts,
				entry.EnqueuedAt.Format("2006-01-02 15:04:05"),
				entry.LastError)
		}
		return w.Flush()
	},
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := loadQueueEntries()
		if err != nil {
			return err
		}
		pending, failed := 0, 0
		perEntity := map[string]int{}
		for _, entry := range entries {
			if entry.Status == fieldsync.EntryFailed {
				failed++
			} else {
				pending++
			}
			perEntity[entry.Mutation.EntityID]++
		}
		if queueJSONOutput {
			return json.NewEncoder(os.Stdout).Encode(map[string]any{
				"pending":  pending,
				"failed":   failed,
				"entities": len(perEntity),
			})
		}
		fmt.Printf("pending:  %d\n", pending)
		fmt.Printf("failed:   %d\n", failed)
		fmt.Printf("entities: %d\n", len(perEntity))
		if len(perEntity) > 0 {
			ids := make([]string, 0, len(perEntity))
			for id := range perEntity {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				fmt.Printf("  %s: %d\n", id, perEntity[id])
			}
		}
		return nil
	},
}

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue <entry-id>",
	Short: "Reset a failed entry for another round of flushes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openQueueStore()
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck

		entries, err := store.List()
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.ID != args[0] {
				continue
			}
			if entry.Status == fieldsync.EntryPending {
				fmt.Printf("entry %s is already pending\n", entry.ID)
				return nil
			}
			entry.Status = fieldsync.EntryPending
			entry.Attempts = 0
			entry.LastError = ""
			if err := store.Update(entry); err != nil {
				return err
			}
			fmt.Printf("entry %s requeued\n", entry.ID)
			return nil
		}
		return fmt.Errorf("queue entry %s not found", args[0])
	},
}

func init() {
	queueCmd.PersistentFlags().BoolVar(&queueJSONOutput, "json", false, "Emit JSON instead of a table")
	queueCmd.AddCommand(queueListCmd, queueStatsCmd, queueRequeueCmd)
}

func openQueueStore() (fieldsync.QueueStore, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	queueDSN, _, err := appConfig.StorageDSNs()
	if err != nil {
		return nil, err
	}
	if queueDSN == "" {
		return nil, fmt.Errorf("no queue store configured; set --queue-dsn or a storage profile")
	}
	store, err := fieldsync.BuildQueueStoreFromDSN(queueDSN, appConfig.QueueCapacity)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("no queue store configured; set --queue-dsn or a storage profile")
	}
	return store, nil
}

func loadQueueEntries() ([]fieldsync.SyncQueueEntry, error) {
	store, err := openQueueStore()
	if err != nil {
		return nil, err
	}
	defer store.Close() //nolint:errcheck
	return store.List()
}
