package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/camctl/cam/pkg/types"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Manage workers",
}

var workerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd)

		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		workers, err := store.ListWorkers()
		if err != nil {
			return err
		}

		fmt.Printf("%-24s  %-9s  %-10s  %-36s  %s\n", "ID", "MODE", "STATUS", "TASK", "LAST HEARTBEAT")
		for _, worker := range workers {
			heartbeat := "never"
			if !worker.LastHeartbeatAt.IsZero() {
				heartbeat = time.Since(worker.LastHeartbeatAt).Round(time.Second).String() + " ago"
			}
			fmt.Printf("%-24s  %-9s  %-10s  %-36s  %s\n",
				worker.ID, worker.Mode, worker.Status, worker.CurrentTaskID, heartbeat)
		}
		return nil
	},
}

var workerPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete offline workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd)

		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		workers, err := store.ListWorkers()
		if err != nil {
			return err
		}

		pruned := 0
		for _, worker := range workers {
			if worker.Status != types.WorkerStatusOffline {
				continue
			}
			if err := store.DeleteWorker(worker.ID); err != nil {
				return err
			}
			pruned++
		}
		fmt.Printf("Pruned %d offline worker(s)\n", pruned)
		return nil
	},
}

func init() {
	workerCmd.AddCommand(workerListCmd)
	workerCmd.AddCommand(workerPruneCmd)
}
