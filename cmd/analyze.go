package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/fraud-analyst/internal/model"
)

var analyzeStream bool

var analyzeCmd = &cobra.Command{
	Use:   "analyze [file]",
	Short: "Analyze one transaction",
	Long: `Reads an analysis request (or a bare transaction) as JSON from file, or
from stdin when file is omitted or "-", and prints the analysis result.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		data, err := readInput(cmd.InOrStdin(), args)
		if err != nil {
			return err
		}
		req, err := decodeAnalysisInput(data)
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx, "analyze")
		if err != nil {
			return err
		}
		defer env.Close()

		var result *model.AnalysisResult
		if analyzeStream {
			result, err = streamAnalysis(ctx, env, req, cmd.ErrOrStderr())
		} else {
			result, err = env.Pipeline.Analyze(ctx, req)
		}
		if err != nil {
			return eris.Wrap(err, "analyze")
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	analyzeCmd.Flags().BoolVar(&analyzeStream, "stream", false, "print reasoning steps to stderr as they happen")
	rootCmd.AddCommand(analyzeCmd)
}

func readInput(stdin io.Reader, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(stdin)
		return data, eris.Wrap(err, "read stdin")
	}
	data, err := os.ReadFile(args[0])
	return data, eris.Wrapf(err, "read %s", args[0])
}

// decodeAnalysisInput accepts either {"transaction": ..., "customer_history": ...}
// or a bare transaction object.
func decodeAnalysisInput(data []byte) (model.AnalysisRequest, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return model.AnalysisRequest{}, eris.Wrap(model.NewValidationError("input is not a JSON object: "+err.Error()), "decode input")
	}

	var req model.AnalysisRequest
	if _, ok := envelope["transaction"]; ok {
		if err := json.Unmarshal(data, &req); err != nil {
			return req, eris.Wrap(model.NewValidationError("invalid analysis request: "+err.Error()), "decode input")
		}
		return req, nil
	}
	if err := json.Unmarshal(data, &req.Transaction); err != nil {
		return req, eris.Wrap(model.NewValidationError("invalid transaction: "+err.Error()), "decode input")
	}
	return req, nil
}

// streamAnalysis runs req while printing every stream message to w.
func streamAnalysis(ctx context.Context, env *pipelineEnv, req model.AnalysisRequest, w io.Writer) (*model.AnalysisResult, error) {
	sess, sub, err := env.Pipeline.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	for {
		msg, ok, err := sub.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		printMessage(w, msg)
	}
	return sess.Result()
}

func printMessage(w io.Writer, msg model.StreamMessage) {
	switch msg.Type {
	case model.MessageConnected:
		_, _ = fmt.Fprintf(w, "session %s\n", msg.SessionID)
	case model.MessageDecision:
		conf := 0
		if msg.Confidence != nil {
			conf = *msg.Confidence
		}
		_, _ = fmt.Fprintf(w, "[%d] decision %s (%d%%): %s\n", msg.Step, msg.Action, conf, msg.Reasoning)
	case model.MessageComplete:
		_, _ = fmt.Fprintln(w, "complete")
	case model.MessageError:
		_, _ = fmt.Fprintf(w, "error: %s\n", msg.Content)
	default:
		_, _ = fmt.Fprintf(w, "[%d] %s %s: %s\n", msg.Step, msg.Type, msg.Agent, msg.Content)
	}
}
