// isolation/utility/command.go
package utility

import (
	"fmt"
	"strconv"
	"strings"
)

// Opcode represents the type of command typed into the console.
type Opcode int

const (
	OpAllow     Opcode = iota + 1 // add a pid to the allowed processes
	OpRevoke                      // remove a pid from the allowed processes
	OpAllowName                   // allow every process with this name
	OpArm                         // start isolation
	OpDisarm                      // stop isolation
	OpStatus                      // print the current state
)

func (o Opcode) String() string {
	switch o {
	case OpAllow:
		return "allow"
	case OpRevoke:
		return "revoke"
	case OpAllowName:
		return "allow-name"
	case OpArm:
		return "arm"
	case OpDisarm:
		return "disarm"
	case OpStatus:
		return "status"
	}
	return fmt.Sprintf("op(%d)", int(o))
}

type Command struct {
	Op   Opcode
	PID  uint32 // for allow/revoke
	Name string // for allow-name
}

// Arg renders the command argument for log lines.
func (c *Command) Arg() string {
	switch c.Op {
	case OpAllow, OpRevoke:
		return strconv.FormatUint(uint64(c.PID), 10)
	case OpAllowName:
		return c.Name
	}
	return ""
}

func ParseCommand(input string) (*Command, error) {
	parts := strings.Fields(strings.TrimSpace(input))
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	switch parts[0] {
	case "arm", "disarm", "status":
		if len(parts) != 1 {
			return nil, fmt.Errorf("%s takes no arguments", parts[0])
		}
		op := map[string]Opcode{"arm": OpArm, "disarm": OpDisarm, "status": OpStatus}[parts[0]]
		return &Command{Op: op}, nil

	case "allow", "revoke":
		// followed by a PID (the process group leader)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid command %q", input)
		}
		pid, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil || pid == 0 {
			return nil, fmt.Errorf("invalid PID %q", parts[1])
		}
		op := OpAllow
		if parts[0] == "revoke" {
			op = OpRevoke
		}
		return &Command{Op: op, PID: uint32(pid)}, nil

	case "allow-name":
		// followed by an executable name, resolved on every policy refresh
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid command %q", input)
		}
		return &Command{Op: OpAllowName, Name: parts[1]}, nil

	default:
		return nil, fmt.Errorf("unknown op %q", parts[0])
	}
}
