package main

import (
	"context"
	"fmt"
	"strings"

	"hostisolation/isolation"
	"hostisolation/isolation/utility"
	"hostisolation/ui"
)

// console executes the commands typed into the TUI.
type console struct {
	ctrl    *isolation.Controller
	policy  *isolation.Policy
	monitor *isolation.Monitor
}

// Execute runs one command line and returns the text to show for it.
func (c *console) Execute(ctx context.Context, line string) (string, error) {
	cmd, err := utility.ParseCommand(line)
	if err != nil {
		return "", err
	}

	switch cmd.Op {
	case utility.OpAllow:
		c.policy.AllowPID(cmd.PID)
	case utility.OpRevoke:
		if !c.policy.RevokePID(cmd.PID) {
			return "", fmt.Errorf("pid %d is not in the policy", cmd.PID)
		}
	case utility.OpAllowName:
		c.policy.AllowName(cmd.Name)
	case utility.OpArm:
		if err := c.ctrl.Arm(ctx); err != nil {
			return "", err
		}
		return "ARM succeeded", nil
	case utility.OpDisarm:
		c.ctrl.Disarm()
		return "DISARM succeeded", nil
	case utility.OpStatus:
		st, err := c.ctrl.Status()
		return formatStatus(st), err
	}

	if err := c.monitor.SyncPolicy(ctx); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s succeeded", strings.ToUpper(cmd.Op.String()), cmd.Arg()), nil
}

func formatStatus(st isolation.Status) string {
	if !st.Armed {
		return fmt.Sprintf("disarmed (%s backend on %s, %d allowed process(es))",
			st.Backend, st.Interface, st.AllowedProcesses)
	}
	dirs := make([]string, 0, len(st.Directions))
	for _, d := range st.Directions {
		dirs = append(dirs, d.String())
	}
	return fmt.Sprintf("armed since %s (%s backend on %s [%s], activation %s): %d allowed process(es), %d learned address(es), passed %s, dropped %s, %d learn failure(s)",
		utility.FormatTime(st.ArmedAt), st.Backend, st.Interface, strings.Join(dirs, ","), st.Activation,
		st.AllowedProcesses, st.LearnedAddresses,
		strings.ReplaceAll(ui.FormatCounter(st.Stats.Passed), "\n", " "),
		strings.ReplaceAll(ui.FormatCounter(st.Stats.Dropped), "\n", " "),
		st.Stats.LearnFailed)
}
