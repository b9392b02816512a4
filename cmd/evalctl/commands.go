package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/noah-isme/gema-exam-eval/internal/dto"
	"github.com/noah-isme/gema-exam-eval/internal/service"
)

func newRootCmd(factory runtimeFactory) *cobra.Command {
	root := &cobra.Command{
		Use:           "evalctl",
		Short:         "Create, run and cancel exam question evaluation jobs",
		SilenceUsage:  true,
	}

	root.AddCommand(
		newCreateCmd(factory),
		newStatusCmd(factory),
		newProcessCmd(factory),
		newCancelCmd(factory),
		newWorkerCmd(factory),
	)
	return root
}

func newCreateCmd(factory runtimeFactory) *cobra.Command {
	var req dto.EvaluationCreateRequest
	var userID string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an evaluation job and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := factory(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			created, err := rt.evaluation.Service.CreateJob(cmd.Context(), userID, req)
			if err != nil {
				return err
			}
			return printJSON(cmd, created)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&req.BasicCount, "basic", 0, "questions per topic at Basic difficulty")
	flags.IntVar(&req.AdvancedCount, "advanced", 0, "questions per topic at Advanced difficulty")
	flags.IntVar(&req.VeryDifficultCount, "very-difficult", 0, "questions per topic at Very Difficult difficulty")
	flags.StringSliceVar(&req.Pipelines, "pipeline", nil, "generation pipeline (repeatable)")
	flags.StringSliceVar(&req.Topics, "topic", nil, "topic to cover (repeatable, defaults to the built-in topic list)")
	flags.StringVar(&userID, "user", "evalctl", "owner recorded on the job")
	_ = cmd.MarkFlagRequired("pipeline")
	return cmd
}

func newStatusCmd(factory runtimeFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Print a job with its progress and aggregated results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := factory(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			job, err := rt.evaluation.Service.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, job)
		},
	}
}

func newProcessCmd(factory runtimeFactory) *cobra.Command {
	var req dto.EvaluationProcessRequest

	cmd := &cobra.Command{
		Use:   "process <job-id>",
		Short: "Run one batch of a job, or every remaining batch with --all",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := factory(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			result, err := rt.evaluation.Service.ProcessBatch(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			if req.ProcessAll && !result.Finished && rt.natsConn == nil {
				rt.logger.Warn().Str("job_id", args[0]).Msg("invocation budget exhausted without a broker; a worker sweep will resume the job")
			}
			return printJSON(cmd, result)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&req.StartIndex, "start", 0, "index of the first test case to run")
	flags.IntVar(&req.BatchSize, "batch", 0, "requested batch size (0 uses the safe maximum)")
	flags.BoolVar(&req.ProcessAll, "all", false, "keep processing until the job finishes or the budget runs out")
	return cmd
}

func newCancelCmd(factory runtimeFactory) *cobra.Command {
	var req dto.EvaluationCancelRequest

	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request cancellation of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := factory(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			job, err := rt.evaluation.Service.CancelJob(cmd.Context(), args[0], operatorActor(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd, job)
		},
	}

	cmd.Flags().StringVar(&req.Reason, "reason", "", "reason recorded on the job")
	return cmd
}

func newWorkerCmd(factory runtimeFactory) *cobra.Command {
	var sweepOnce bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume continuations and resume stale running jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := factory(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			if sweepOnce {
				resumed, err := rt.evaluation.Sweeper.Sweep(ctx)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "resumed %d stale job(s)\n", resumed)
				return err
			}

			rt.evaluation.LiveLog.Start(ctx)
			if err := rt.evaluation.Sweeper.Start(rt.config.Evaluation.SweepSchedule); err != nil {
				return fmt.Errorf("start sweeper: %w", err)
			}
			defer rt.evaluation.Sweeper.Stop()

			rt.logger.Info().Bool("broker", rt.natsConn != nil).Msg("evaluation worker started")
			err = rt.evaluation.Continuations.Consume(ctx, rt.evaluation.Controller)
			rt.logger.Info().Msg("evaluation worker stopped")
			return err
		},
	}

	cmd.Flags().BoolVar(&sweepOnce, "sweep-once", false, "run a single stale job sweep and exit")
	return cmd
}

func operatorActor() service.EvaluationActor {
	return service.EvaluationActor{UserID: "evalctl", Privileged: true}
}

func printJSON(cmd *cobra.Command, value interface{}) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(value); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
