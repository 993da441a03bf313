package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuemby/conductor/pkg/client"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Submit, inspect, and cancel batch jobs against the conductor API",
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit SCRIPT",
	Short: "Submit a new job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scriptPath := args[0]
		body, err := os.ReadFile(scriptPath)
		if err != nil {
			return fmt.Errorf("reading script %s: %w", scriptPath, err)
		}

		name, _ := cmd.Flags().GetString("name")
		partition, _ := cmd.Flags().GetString("partition")
		tasksPerNode, _ := cmd.Flags().GetInt("ntasks-per-node")
		cpusPerTask, _ := cmd.Flags().GetInt("cpus-per-task")
		memory, _ := cmd.Flags().GetString("memory")
		timeLimit, _ := cmd.Flags().GetString("time")
		exclusive, _ := cmd.Flags().GetBool("exclusive")
		envFlags, _ := cmd.Flags().GetStringSlice("env")

		env := make(map[string]string, len(envFlags))
		for _, e := range envFlags {
			k, v, ok := strings.Cut(e, "=")
			if ok {
				env[k] = v
			}
		}

		c := client.New(apiAddr(cmd))
		id, err := c.Submit(context.Background(), client.SubmitRequest{
			Name:          name,
			Partition:     partition,
			TasksPerNode:  tasksPerNode,
			CPUsPerTask:   cpusPerTask,
			MemoryPerNode: memory,
			TimeLimit:     timeLimit,
			Exclusive:     exclusive,
			Environment:   env,
			Script:        string(body),
		})
		if err != nil {
			return fmt.Errorf("submitting job: %w", err)
		}

		fmt.Printf("Submitted job %s\n", id)
		return nil
	},
}

var jobQueryCmd = &cobra.Command{
	Use:   "query JOB_ID",
	Short: "Show a job's full state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(apiAddr(cmd))
		job, err := c.Query(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("querying job: %w", err)
		}

		fmt.Printf("Job %s (%s)\n", job.ID, job.State)
		fmt.Printf("  Name:       %s\n", job.Detail.Name)
		fmt.Printf("  Partition:  %s\n", job.Detail.Partition)
		fmt.Printf("  Submitted:  %s\n", job.SubmitTime)
		fmt.Printf("  Elapsed:    %s\n", job.ElapsedTime)
		fmt.Printf("  Time Limit: %s\n", job.LimitTime)
		if job.Detail.ExitCode != "" {
			fmt.Printf("  Exit Code:  %s\n", job.Detail.ExitCode)
		}
		return nil
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel JOB_ID",
	Short: "Cancel a job (idempotent)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(apiAddr(cmd))
		msg, err := c.Cancel(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("cancelling job: %w", err)
		}
		fmt.Println(msg)
		return nil
	},
}

func apiAddr(cmd *cobra.Command) string {
	addr, _ := cmd.Flags().GetString("api")
	return addr
}

func init() {
	jobCmd.PersistentFlags().String("api", "http://127.0.0.1:8080", "conductor API address")

	jobSubmitCmd.Flags().String("name", "job", "Job name")
	jobSubmitCmd.Flags().String("partition", "", "Partition name")
	jobSubmitCmd.Flags().Int("ntasks-per-node", 1, "Tasks per node")
	jobSubmitCmd.Flags().Int("cpus-per-task", 1, "CPUs per task")
	jobSubmitCmd.Flags().String("memory", "", "Memory per node (e.g. 512M, 2G)")
	jobSubmitCmd.Flags().String("time", "", "Time limit (minutes, H:MM:SS, or D-HH:MM:SS)")
	jobSubmitCmd.Flags().Bool("exclusive", false, "Request exclusive node access")
	jobSubmitCmd.Flags().StringSlice("env", nil, "Environment variables (KEY=VALUE)")

	jobCmd.AddCommand(jobSubmitCmd)
	jobCmd.AddCommand(jobQueryCmd)
	jobCmd.AddCommand(jobCancelCmd)
}
