package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/app-orchestrator/internal/models"
	"github.com/example/app-orchestrator/internal/orchestrator"
)

var (
	buildUser    string
	buildVerbose bool
)

var buildCmd = &cobra.Command{
	Use:     "build [task]",
	Short:   "Run the pipeline once and print its progress",
	Example: `  appforge build "a todo list that survives a page refresh"`,
	Args:    cobra.MinimumNArgs(1),
	RunE:    runBuild,
}

func init() {
	buildCmd.Flags().StringVar(&buildUser, "user", "", "User id for preferences and history")
	buildCmd.Flags().BoolVarP(&buildVerbose, "verbose", "v", false, "Print event payloads")
}

func runBuild(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	out := printer(cmd.OutOrStdout(), buildVerbose)
	res, err := a.engine.Run(ctx, orchestrator.Request{Task: strings.Join(args, " "), UserID: buildUser}, out)
	if err != nil {
		return err
	}
	if !res.Passed {
		fmt.Fprintln(cmd.OutOrStdout(), "verification failed; the app was kept for inspection")
	}
	return nil
}

// printer writes one line per event and, when verbose, its payload.
func printer(w io.Writer, verbose bool) orchestrator.Emitter {
	return orchestrator.EmitterFunc(func(_ context.Context, ev models.Event) error {
		line := fmt.Sprintf("[%s] %s", ev.Type, ev.Message)
		if p, ok := ev.Payload.(orchestrator.CompletePayload); ok {
			line += " " + p.URL
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
		if verbose && ev.Payload != nil {
			b, err := json.MarshalIndent(ev.Payload, "  ", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(w, "  %s\n", b)
			return err
		}
		return nil
	})
}
