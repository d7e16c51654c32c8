package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/orbiter/internal/bus"
	"github.com/fentz26/orbiter/internal/config"
	"github.com/fentz26/orbiter/internal/logging"
	"github.com/fentz26/orbiter/internal/models"
	"github.com/fentz26/orbiter/internal/recurrence"
	"github.com/fentz26/orbiter/internal/store"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Operate on tasks",
}

var (
	taskTitle       string
	taskDesc        string
	taskOwner       string
	taskKind        string
	taskExpr        string
	taskTZ          string
	taskPayloadFile string
	taskPriority    int
	taskMaxRetries  int
	taskDedupeKey   string
	taskDedupeWin   int
	taskConcKey     string
)

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a task from flags and a pipeline payload file",
	RunE:  runTaskCreate,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active tasks",
	RunE:  runTaskList,
}

var taskRunsCmd = &cobra.Command{
	Use:   "runs <task-id>",
	Short: "Show a task's recent runs",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskRuns,
}

var taskRunNowCmd = &cobra.Command{
	Use:   "run-now <task-id>",
	Short: "Materialise an immediate work item for the task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return publishTaskMessage(bus.Message{Kind: bus.KindTaskRunNow, TaskID: args[0]})
	},
}

var taskSnoozeCmd = &cobra.Command{
	Use:   "snooze <task-id> <seconds>",
	Short: "Shift the task's next pending work item forward",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		secs, err := strconv.Atoi(args[1])
		if err != nil || secs <= 0 {
			return fmt.Errorf("seconds must be a positive integer")
		}
		return publishTaskMessage(bus.Message{Kind: bus.KindTaskSnooze, TaskID: args[0], Seconds: secs})
	},
}

var taskPausePurge bool

var taskPauseCmd = &cobra.Command{
	Use:   "pause <task-id>",
	Short: "Pause a task (pending work items are preserved unless --purge)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := setTaskStatus(args[0], models.TaskStatusPaused); err != nil {
			return err
		}
		if !taskPausePurge {
			return nil
		}
		return withStoreAndBus(func(ctx context.Context, s store.Store, b bus.Bus) error {
			n, err := s.DeletePendingWork(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("purged %d pending work items\n", n)
			return nil
		})
	},
}

var taskResumeCmd = &cobra.Command{
	Use:   "resume <task-id>",
	Short: "Resume a paused task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setTaskStatus(args[0], models.TaskStatusActive)
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task permanently and purge its pending work",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setTaskStatus(args[0], models.TaskStatusCanceled)
	},
}

func init() {
	taskCreateCmd.Flags().StringVar(&taskTitle, "title", "", "Task title")
	taskCreateCmd.Flags().StringVar(&taskDesc, "description", "", "Task description")
	taskCreateCmd.Flags().StringVar(&taskOwner, "owner", "", "Owning agent id")
	taskCreateCmd.Flags().StringVar(&taskKind, "kind", "cron", "Schedule kind: cron, rrule, once, event")
	taskCreateCmd.Flags().StringVar(&taskExpr, "expr", "", "Schedule expression")
	taskCreateCmd.Flags().StringVar(&taskTZ, "tz", "", "IANA timezone (required)")
	taskCreateCmd.Flags().StringVar(&taskPayloadFile, "payload", "", "Path to the pipeline payload JSON")
	taskCreateCmd.Flags().IntVar(&taskPriority, "priority", 5, "Priority 1..9")
	taskCreateCmd.Flags().IntVar(&taskMaxRetries, "max-retries", 0, "Retry budget per work item")
	taskCreateCmd.Flags().StringVar(&taskDedupeKey, "dedupe-key", "", "Dedupe key")
	taskCreateCmd.Flags().IntVar(&taskDedupeWin, "dedupe-window", 0, "Dedupe window in seconds")
	taskCreateCmd.Flags().StringVar(&taskConcKey, "concurrency-key", "", "Concurrency key")
	taskCreateCmd.MarkFlagRequired("title")
	taskCreateCmd.MarkFlagRequired("owner")
	taskCreateCmd.MarkFlagRequired("expr")
	taskCreateCmd.MarkFlagRequired("tz")
	taskCreateCmd.MarkFlagRequired("payload")

	taskPauseCmd.Flags().BoolVar(&taskPausePurge, "purge", false, "Also delete pending work items")

	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskRunsCmd)
	taskCmd.AddCommand(taskRunNowCmd)
	taskCmd.AddCommand(taskSnoozeCmd)
	taskCmd.AddCommand(taskPauseCmd)
	taskCmd.AddCommand(taskResumeCmd)
	taskCmd.AddCommand(taskCancelCmd)
}

// withStoreAndBus opens the configured store and bus for one operator
// command.
func withStoreAndBus(fn func(ctx context.Context, s store.Store, b bus.Bus) error) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	log := logging.Nop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	b, err := openBus(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.Close()

	return fn(ctx, s, b)
}

func publishTaskMessage(m bus.Message) error {
	return withStoreAndBus(func(ctx context.Context, s store.Store, b bus.Bus) error {
		if _, err := s.GetTask(ctx, m.TaskID); err != nil {
			return fmt.Errorf("task %s: %w", m.TaskID, err)
		}
		if err := b.Publish(ctx, m); err != nil {
			return err
		}
		fmt.Printf("published %s for task %s\n", m.Kind, m.TaskID)
		return nil
	})
}

func setTaskStatus(taskID string, status models.TaskStatus) error {
	return withStoreAndBus(func(ctx context.Context, s store.Store, b bus.Bus) error {
		if err := s.SetTaskStatus(ctx, taskID, status); err != nil {
			return err
		}
		if err := b.Publish(ctx, bus.Message{
			Kind:      bus.KindTaskStatusChanged,
			TaskID:    taskID,
			NewStatus: string(status),
		}); err != nil {
			return err
		}
		fmt.Printf("task %s is now %s\n", taskID, status)
		return nil
	})
}

func runTaskCreate(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(taskPayloadFile)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	payload, err := models.ParsePayload(raw)
	if err != nil {
		return err
	}

	kind := models.ScheduleKind(taskKind)
	if reasons := recurrence.Validate(kind, taskExpr, taskTZ); len(reasons) > 0 {
		return fmt.Errorf("descriptor rejected: %s", reasons[0])
	}

	return withStoreAndBus(func(ctx context.Context, s store.Store, b bus.Bus) error {
		task, err := s.CreateTask(ctx, &models.Task{
			Title:               taskTitle,
			Description:         taskDesc,
			OwnerAgentID:        taskOwner,
			ScheduleKind:        kind,
			ScheduleExpr:        taskExpr,
			Timezone:            taskTZ,
			Payload:             *payload,
			Priority:            taskPriority,
			MaxRetries:          taskMaxRetries,
			DedupeKey:           taskDedupeKey,
			DedupeWindowSeconds: taskDedupeWin,
			ConcurrencyKey:      taskConcKey,
		})
		if err != nil {
			return err
		}
		if err := b.Publish(ctx, bus.Message{Kind: bus.KindTaskCreated, TaskID: task.ID}); err != nil {
			return err
		}
		fmt.Println(task.ID)
		return nil
	})
}

func runTaskList(cmd *cobra.Command, args []string) error {
	return withStoreAndBus(func(ctx context.Context, s store.Store, b bus.Bus) error {
		tasks, err := s.LoadActiveTasks(ctx)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			fmt.Printf("%s  %-8s %-24s %s\n", t.ID, t.ScheduleKind, t.ScheduleExpr, t.Title)
		}
		return nil
	})
}

func runTaskRuns(cmd *cobra.Command, args []string) error {
	return withStoreAndBus(func(ctx context.Context, s store.Store, b bus.Bus) error {
		runs, err := s.ListRuns(ctx, args[0], 20)
		if err != nil {
			return err
		}
		for _, r := range runs {
			out, _ := json.Marshal(r)
			fmt.Println(string(out))
		}
		return nil
	})
}
