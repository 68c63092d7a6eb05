package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-go-golems/glitchcube/pkg/formatter"
	"github.com/go-go-golems/glitchcube/pkg/orchestrator"
	"github.com/go-go-golems/glitchcube/pkg/request"
	"github.com/go-go-golems/glitchcube/pkg/settings"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/tcnksm/go-input"
)

func newChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the cube from the terminal",
		Long:  "Run turns through the full orchestrator locally. Type 'exit' or press Ctrl-D to stop.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := settings.Load(v)
			if err != nil {
				return err
			}
			session, _ := cmd.Flags().GetString("session")
			debug, _ := cmd.Flags().GetBool("debug")
			return chat(cmd.Context(), s, session, debug)
		},
	}
	cmd.Flags().String("session", "", "Session id; derived from the installation id when empty")
	cmd.Flags().String("persona", "", "Default persona")
	cmd.Flags().String("mode", "two-tier", "Model dispatch mode (two-tier, single-tier)")
	cmd.Flags().String("tools-file", "", "YAML tool registry file")
	cmd.Flags().Bool("debug", false, "Print tool results and response metadata")
	return cmd
}

func chat(ctx context.Context, s *settings.Settings, session string, debug bool) error {
	app, err := buildApp(s)
	if err != nil {
		return err
	}
	runCtx, stopRun := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRun()
	app.start(runCtx)
	defer app.shutdown(context.Background())

	if session == "" {
		session = request.SessionID(map[string]any{"device_id": "terminal"}, s.InstallationID)
	}

	ui := &input.UI{Writer: os.Stdout, Reader: os.Stdin}
	interactive := isatty.IsTerminal(os.Stdin.Fd())
	if interactive {
		fmt.Printf("session %s, %s mode. Type 'exit' to stop.\n", session, app.orchestrator.Mode())
	}

	for {
		line, err := ui.Ask("you", &input.Options{HideOrder: true, Loop: false})
		if err != nil {
			// Ctrl-C, Ctrl-D or the end of piped input
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "exit" || line == "quit" {
			return nil
		}

		resp := app.orchestrator.HandleTurn(ctx, orchestrator.Turn{
			SessionID: session,
			Message:   line,
			Context:   map[string]any{"device_id": "terminal", "voice_interaction": false},
		})
		_, w := formatter.Format(resp, formatter.Options{IncludeTools: debug})
		fmt.Printf("cube> %s\n", w.Data.SpeechText)
		if debug {
			md := w.Data.Metadata
			fmt.Printf("  [%s, %dms, continue=%v]\n", w.Data.ResponseType, md.DurationMs, w.Data.ContinueConversation)
			for _, t := range md.Tools {
				fmt.Printf("  tool %s success=%v %s\n", t.Tool, t.Success, t.ErrorKind)
			}
			for _, q := range md.QueuedTools {
				fmt.Printf("  queued %s\n", q)
			}
		}
	}
}
