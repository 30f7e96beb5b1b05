package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/abecu-hub/go-bus/pkg/servicebus/mutation"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	demoMessages int
	demoTimeout  time.Duration
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Start sagas of both types and wait for them to complete",
	Long: `Send StartSaga messages with fresh session ids to the local endpoint.

Each message starts and completes one SimpleSaga1 and one SimpleSaga2 instance. The
command waits until every instance completed and fails if any are still outstanding
when the timeout elapses.

Examples:
  sagahost demo
  sagahost demo --messages 100 --timeout 1m`,
	RunE: runDemo,
}

func init() {
	demoCmd.Flags().IntVarP(&demoMessages, "messages", "m", 10, "Number of StartSaga messages to send")
	demoCmd.Flags().DurationVar(&demoTimeout, "timeout", 30*time.Second, "How long to wait for completion")

	rootCmd.AddCommand(demoCmd)
}

func runDemo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if demoMessages < 1 {
		return fmt.Errorf("--messages must be >= 1, got %d", demoMessages)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), demoTimeout)
	defer cancel()

	h, err := newHost(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer h.close()

	if err := h.start(); err != nil {
		return err
	}

	for i := 0; i < demoMessages; i++ {
		session := uuid.New().String()
		err := h.endpoint.SendLocal(StartSagaMessage, &StartSaga{SessionId: session}, mutation.CorrelationId(session))
		if err != nil {
			return fmt.Errorf("failed to send StartSaga %d: %w", i+1, err)
		}
	}

	done := wait(ctx, h, int64(demoMessages))
	summarize(cmd.OutOrStdout(), h, demoMessages)
	if !done {
		return fmt.Errorf("sagas did not complete within %s", demoTimeout)
	}
	return nil
}

func wait(ctx context.Context, h *host, expected int64) bool {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if h.tally.Count(SimpleSaga1) >= expected && h.tally.Count(SimpleSaga2) >= expected {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

var (
	complete   = color.New(color.FgGreen)
	incomplete = color.New(color.FgRed)
)

func summarize(out io.Writer, h *host, messages int) {
	for _, sagaType := range []string{SimpleSaga1, SimpleSaga2} {
		completed := h.tally.Count(sagaType)
		line := complete
		if completed < int64(messages) {
			line = incomplete
		}
		line.Fprintf(out, "%s completed: %d/%d\n", sagaType, completed, messages)
	}
	if h.network != nil {
		dead := len(h.network.DeadLetters(h.config.Endpoint.Name))
		line := complete
		if dead > 0 {
			line = incomplete
		}
		line.Fprintf(out, "dead letters: %d\n", dead)
	}
}
