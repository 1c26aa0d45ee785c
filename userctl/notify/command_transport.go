package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	cm "github.com/steelcutops/userctl/userctl/commandmanager"
	"github.com/steelcutops/userctl/userctl/errdefs"
)

const DefaultSuccessMarker = "successfully"

// ErrNoMarker is returned when the delivery script exited cleanly but did
// not report success.
var ErrNoMarker = fmt.Errorf("delivery script did not confirm: %w", errdefs.ErrExecutionFailure)

// CommandTransport delivers through an external script called as
// `<command> <destination> <report path> <subject>`. The script's output
// must contain SuccessMarker.
type CommandTransport struct {
	CommandManager cm.CommandManager
	Command        string
	SuccessMarker  string
}

func (t *CommandTransport) Deliver(ctx context.Context, msg Message) error {
	result, err := t.CommandManager.Run(ctx, cm.CommandConfig{
		Command: t.Command,
		Args:    []string{msg.Destination, msg.ReportPath, msg.Subject},
	})
	output := strings.TrimSpace(result.Output())
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", t.Command, errdefs.ErrExecutionTimeout)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &errdefs.ExecutionError{Command: t.Command, ExitCode: result.ExitCode, Output: output, Kind: errdefs.ErrExecutionFailure, Err: err}
	}

	marker := t.SuccessMarker
	if marker == "" {
		marker = DefaultSuccessMarker
	}
	if !strings.Contains(strings.ToLower(output), strings.ToLower(marker)) {
		return &errdefs.ExecutionError{Command: t.Command, Output: output, Kind: errdefs.ErrExecutionFailure, Err: ErrNoMarker}
	}
	return nil
}
