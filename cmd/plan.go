package main

import (
	"encoding/json"
	"errors"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/model"
	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/report"
)

var (
	planInput  string
	planStrict bool
	planNoSave bool
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Run the planning pipeline for one drug",
	Long:  "Reads a plan request (JSON) from a file or stdin, runs the full pipeline, persists the run, and prints the report.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		req, err := readRequest(planInput)
		if err != nil {
			return err
		}
		if planStrict {
			req.Strict = true
		}

		p, _, err := initPipeline(ctx)
		if err != nil {
			return err
		}

		var saveID string
		if !planNoSave {
			st, err := initStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			run, err := st.CreateRun(ctx, req.Drug)
			if err != nil {
				return err
			}
			saveID = run.ID
			_ = st.UpdateRunStatus(ctx, saveID, model.RunRunning)

			rep, runErr := p.Run(ctx, req)
			if runErr != nil {
				var rej *report.Rejection
				if errors.As(runErr, &rej) {
					_ = st.FailRun(ctx, saveID, model.RunRejected, rej.Error())
					return printJSON(map[string]any{
						"status":   "rejected",
						"run_id":   saveID,
						"blockers": rej.Blockers,
					})
				}
				_ = st.FailRun(ctx, saveID, model.RunFailed, runErr.Error())
				return eris.Wrap(runErr, "pipeline run")
			}

			if err := st.SaveReport(ctx, saveID, rep); err != nil {
				zap.L().Error("failed to persist report", zap.Error(err))
			}
			logOutcome(rep)
			return printJSON(rep)
		}

		rep, err := p.Run(ctx, req)
		if err != nil {
			var rej *report.Rejection
			if errors.As(err, &rej) {
				return printJSON(map[string]any{"status": "rejected", "blockers": rej.Blockers})
			}
			return eris.Wrap(err, "pipeline run")
		}
		logOutcome(rep)
		return printJSON(rep)
	},
}

func readRequest(path string) (*model.PlanRequest, error) {
	var data []byte
	var err error
	if path == "" || path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, eris.Wrap(err, "read plan request")
	}

	var req model.PlanRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, eris.Wrap(err, "parse plan request")
	}
	if req.Drug == "" {
		return nil, eris.New("plan request: drug is required")
	}
	return &req, nil
}

func logOutcome(rep *model.Report) {
	zap.L().Info("plan complete",
		zap.String("drug", rep.Drug),
		zap.String("protocol_id", rep.ProtocolID),
		zap.Int("dqi", rep.Quality.Score),
		zap.String("level", string(rep.Quality.Level)),
		zap.String("design", string(rep.Design.Design)),
	)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	planCmd.Flags().StringVar(&planInput, "input", "", "path to plan request JSON (default stdin)")
	planCmd.Flags().BoolVar(&planStrict, "strict", false, "final mode: reject runs with unresolved blockers")
	planCmd.Flags().BoolVar(&planNoSave, "no-save", false, "do not persist the run")
	rootCmd.AddCommand(planCmd)
}
