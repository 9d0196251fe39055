package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/camctl/cam/pkg/events"
	"github.com/camctl/cam/pkg/registry"
	"github.com/camctl/cam/pkg/scheduler"
	"github.com/camctl/cam/pkg/storage"
	"github.com/camctl/cam/pkg/types"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a task",
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd)

		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		title, _ := cmd.Flags().GetString("title")
		description, _ := cmd.Flags().GetString("description")
		agent, _ := cmd.Flags().GetString("agent")
		repoURL, _ := cmd.Flags().GetString("repo")
		baseBranch, _ := cmd.Flags().GetString("base-branch")
		workDir, _ := cmd.Flags().GetString("work-dir")
		groupID, _ := cmd.Flags().GetString("group")
		dependsOn, _ := cmd.Flags().GetStringSlice("depends-on")
		maxRetries, _ := cmd.Flags().GetInt("max-retries")

		id := uuid.New().String()

		if err := validateDependencies(store, id, dependsOn); err != nil {
			return err
		}

		def, err := store.GetAgentDefinition(agent)
		if err != nil {
			return err
		}
		if def == nil {
			return fmt.Errorf("agent definition not found: %s", agent)
		}
		scope := types.EnvVarScope{RepoURL: repoURL, AgentDefinitionID: agent}
		if err := checkEnvVarAvailability(store, def, scope); err != nil {
			return err
		}

		now := time.Now()
		task := &types.Task{
			ID:                id,
			Title:             title,
			Description:       description,
			AgentDefinitionID: agent,
			RepoURL:           repoURL,
			BaseBranch:        baseBranch,
			WorkBranch:        workBranch(title, id),
			WorkDir:           workDir,
			Source:            types.TaskSourceScheduler,
			DependsOn:         dependsOn,
			GroupID:           groupID,
			MaxRetries:        maxRetries,
			CreatedAt:         now,
		}

		// Tasks with dependencies start waiting; the scheduler's gate
		// promotes them once every dependency completes
		eventType := events.EventTaskQueued
		if len(dependsOn) > 0 {
			task.Status = types.TaskStatusWaiting
			eventType = events.EventTaskWaiting
		} else {
			task.Status = types.TaskStatusQueued
			task.QueuedAt = now
		}

		if err := store.CreateTask(task); err != nil {
			return err
		}
		events.NewRecorder(store, "cli").Publish(eventType, map[string]any{
			"taskId": task.ID,
			"title":  task.Title,
		})

		fmt.Printf("Task %s created (%s)\n", task.ID, task.Status)
		return nil
	},
}

// validateDependencies checks that every dependency exists and that the new
// task does not depend on itself. Since a new task can only reference
// already-existing tasks, edges always point backwards and no cycle can form.
func validateDependencies(store storage.Store, id string, dependsOn []string) error {
	seen := make(map[string]struct{}, len(dependsOn))
	for _, dep := range dependsOn {
		if dep == id {
			return fmt.Errorf("task cannot depend on itself")
		}
		if _, dup := seen[dep]; dup {
			return fmt.Errorf("duplicate dependency: %s", dep)
		}
		seen[dep] = struct{}{}
	}

	deps, err := store.GetTasks(dependsOn)
	if err != nil {
		return err
	}
	if len(deps) < len(dependsOn) {
		return fmt.Errorf("a dependency does not exist")
	}
	return nil
}

// checkEnvVarAvailability verifies every required env var is resolvable on
// the server or reported by an eligible daemon worker, so tasks that could
// never launch are rejected up front instead of sitting queued forever.
func checkEnvVarAvailability(store storage.Store, def *types.AgentDefinition, scope types.EnvVarScope) error {
	resolver := newResolver(store)
	workers, err := store.ListWorkers()
	if err != nil {
		return err
	}
	reported := registry.CollectEnvVarsForAgent(workers, def.ID, registry.Policy{
		Now:          time.Now(),
		StaleTimeout: scheduler.ConfigFromEnv().StaleTimeout,
	})

	var missing []string
	for _, spec := range def.RequiredEnvVars {
		if !spec.Required {
			continue
		}
		_, ok, err := resolver.Resolve(spec.Name, scope)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if _, ok := reported[spec.Name]; ok {
			continue
		}
		missing = append(missing, spec.Name)
	}
	if len(missing) > 0 {
		return fmt.Errorf("required env vars unavailable for agent %s: %s",
			def.ID, strings.Join(missing, ", "))
	}
	return nil
}

// workBranch derives the generated working branch name
func workBranch(title, id string) string {
	slug := strings.ToLower(title)
	slug = strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			return r
		}
		return '-'
	}, slug)
	slug = strings.Trim(slug, "-")
	if len(slug) > 40 {
		slug = slug[:40]
	}
	if slug == "" {
		slug = "task"
	}
	return "cam/" + slug + "-" + id[:8]
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd)

		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		tasks, err := store.ListTasks(limit)
		if err != nil {
			return err
		}

		fmt.Printf("%-36s  %-10s  %-8s  %s\n", "ID", "STATUS", "RETRIES", "TITLE")
		for _, task := range tasks {
			fmt.Printf("%-36s  %-10s  %d/%d      %s\n",
				task.ID, task.Status, task.RetryCount, task.MaxRetries, task.Title)
		}
		return nil
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd)

		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		// Cancellation goes through the status writer so the terminal
		// guard applies: a completed task stays completed
		writer := scheduler.NewStatusWriter(store, events.NewRecorder(store, "cli"))
		if err := writer.UpdateTaskStatus(args[0], types.TaskStatusCancelled,
			scheduler.Extra{Reason: "user_cancelled"}); err != nil {
			return err
		}

		fmt.Printf("Task %s cancelled\n", args[0])
		return nil
	},
}

func init() {
	taskCreateCmd.Flags().String("title", "", "Task title (required)")
	taskCreateCmd.Flags().String("description", "", "Task description, used as the agent prompt")
	taskCreateCmd.Flags().String("agent", "", "Agent definition id (required)")
	taskCreateCmd.Flags().String("repo", "", "Repository URL (required)")
	taskCreateCmd.Flags().String("base-branch", "main", "Base branch")
	taskCreateCmd.Flags().String("work-dir", "", "Sub-directory within the repository")
	taskCreateCmd.Flags().String("group", "", "Group id; prefix with pipeline/ to share an artifact volume")
	taskCreateCmd.Flags().StringSlice("depends-on", nil, "Task ids that must complete first")
	taskCreateCmd.Flags().Int("max-retries", 2, "Maximum automatic retries")
	_ = taskCreateCmd.MarkFlagRequired("title")
	_ = taskCreateCmd.MarkFlagRequired("agent")
	_ = taskCreateCmd.MarkFlagRequired("repo")

	taskListCmd.Flags().Int("limit", 50, "Maximum tasks to list")

	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskCancelCmd)
}
