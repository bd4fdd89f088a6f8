package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alloybot/alloy/pkg/models"
)

func buildAskCmd() *cobra.Command {
	var configPath string
	var sessionID string
	var systemPrompt string
	var model string
	var stream bool

	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Run a one-shot agent request",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			rt, err := buildRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.close()

			command := models.AgentCommand{
				UserID:       "cli",
				UserPrompt:   strings.Join(args, " "),
				SystemPrompt: systemPrompt,
				Model:        model,
				Mode:         models.ModeReact,
			}
			if sessionID != "" {
				command.Metadata = map[string]any{models.MetaSessionID: sessionID}
			}

			ctx := cmd.Context()
			if stream {
				chunks, err := rt.executor.ExecuteStream(ctx, command)
				if err != nil {
					return err
				}
				for chunk := range chunks {
					fmt.Print(chunk)
				}
				fmt.Println()
				return nil
			}

			result, err := rt.executor.Execute(ctx, command)
			if err != nil {
				return err
			}
			if !result.Success {
				return fmt.Errorf("%s: %s", result.ErrorCode, result.ErrorMessage)
			}
			fmt.Println(result.Content)
			if len(result.ToolsUsed) > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "tools used: %s (%dms)\n",
					strings.Join(result.ToolsUsed, ", "), result.DurationMs)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to configuration file")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session ID for conversation memory")
	cmd.Flags().StringVar(&systemPrompt, "system", "", "System prompt override")
	cmd.Flags().StringVar(&model, "model", "", "Model override")
	cmd.Flags().BoolVar(&stream, "stream", false, "Stream output as it is produced")
	return cmd
}
