package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/opsdesk/changeover/pkg/controller"
	"github.com/opsdesk/changeover/pkg/types"
)

// parseCommand reads a command written as name[:argument], for example
// "simulateFeedFailure:EB-1", "closeCoupler:BC-1", "setMode:manual" or
// "selectBackupSource:1". A numeric backup argument is a selection index.
func parseCommand(token string) (controller.Command, error) {
	name, arg, _ := strings.Cut(strings.TrimSpace(token), ":")
	cmd := controller.Command{Kind: controller.CommandKind(name), Operator: "trainee"}

	switch cmd.Kind {
	case controller.CommandOpenCoupler, controller.CommandCloseCoupler:
		cmd.Coupler = types.BreakerID(arg)
	case controller.CommandSetMode:
		cmd.Mode = types.Mode(arg)
	case controller.CommandSelectBackup:
		if i, err := strconv.Atoi(arg); err == nil {
			cmd.BackupIndex = &i
		} else {
			cmd.Source = types.SourceID(arg)
		}
	default:
		cmd.Source = types.SourceID(arg)
	}

	if err := cmd.Validate(); err != nil {
		return controller.Command{}, fmt.Errorf("%q: %w", token, err)
	}
	return cmd, nil
}
