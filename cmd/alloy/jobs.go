package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/alloybot/alloy/internal/scheduler"
)

type jobsFile struct {
	Jobs []scheduler.Job `yaml:"jobs"`
}

func loadJobsFile(path string) ([]scheduler.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs file: %w", err)
	}
	var file jobsFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &file); err != nil {
		return nil, fmt.Errorf("failed to parse jobs file: %w", err)
	}
	return file.Jobs, nil
}

func findJob(jobs []scheduler.Job, name string) (scheduler.Job, error) {
	for _, job := range jobs {
		if job.Name == name {
			return job, nil
		}
	}
	return scheduler.Job{}, fmt.Errorf("job %q not found in file", name)
}

func buildJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Work with scheduled job definitions",
	}
	cmd.AddCommand(buildJobsListCmd(), buildJobsValidateCmd(), buildJobsRunCmd("dry-run"), buildJobsRunCmd("trigger"))
	return cmd
}

func buildJobsListCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List job definitions in a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := loadJobsFile(filePath)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTYPE\tCRON\tTZ\tENABLED")
			for _, job := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n",
					job.Name, job.Type, job.CronExpression, job.Timezone, job.Enabled)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "jobs.yaml", "Path to the jobs file")
	return cmd
}

func buildJobsValidateCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate job definitions in a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := loadJobsFile(filePath)
			if err != nil {
				return err
			}
			for _, job := range jobs {
				if err := scheduler.ValidateJob(job); err != nil {
					return fmt.Errorf("job %q: %w", job.Name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok: %s (%s)\n", job.Name, job.CronExpression)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "jobs.yaml", "Path to the jobs file")
	cmd.MarkFlagRequired("file")
	return cmd
}

// buildJobsRunCmd builds the "dry-run" and "trigger" subcommands,
// which differ only in whether side effects (notifications, status
// updates) are applied.
func buildJobsRunCmd(use string) *cobra.Command {
	var filePath string
	var configPath string
	var jobName string

	short := "Execute a job from a file immediately"
	if use == "dry-run" {
		short = "Execute a job from a file without notifications or status updates"
	}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := loadJobsFile(filePath)
			if err != nil {
				return err
			}
			job, err := findJob(jobs, jobName)
			if err != nil {
				return err
			}

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			rt, err := buildRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx := cmd.Context()
			created, err := rt.scheduler.CreateJob(ctx, job)
			if err != nil {
				return err
			}

			var exec scheduler.Execution
			if use == "dry-run" {
				exec, err = rt.scheduler.DryRun(ctx, created.ID)
			} else {
				exec, err = rt.scheduler.Trigger(ctx, created.ID)
			}
			if err != nil {
				return err
			}

			encoded, err := json.MarshalIndent(exec, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
			if exec.Status != scheduler.StatusSuccess {
				return fmt.Errorf("execution %s: %s", exec.Status, exec.ErrorMessage)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&filePath, "file", "jobs.yaml", "Path to the jobs file")
	cmd.Flags().StringVar(&configPath, "config", "", "Path to configuration file")
	cmd.Flags().StringVar(&jobName, "name", "", "Name of the job to run")
	cmd.MarkFlagRequired("name")
	return cmd
}
