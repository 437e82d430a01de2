package isolation

import (
	"fmt"
	"strings"
)

// Verdict is the classifier's decision for one packet.
type Verdict int

const (
	VerdictPass Verdict = iota // hand the packet back to the stack
	VerdictDrop                // discard the packet
)

// Traffic-control action codes produced by the classifier.
const (
	TCActUnspec int32 = -1
	TCActShot   int32 = 2
)

// Code returns the traffic-control return value for v.
func (v Verdict) Code() int32 {
	if v == VerdictPass {
		return TCActUnspec
	}
	return TCActShot
}

// VerdictFromCode maps a classifier return value back to a Verdict.
// The second result is false for codes the classifier never produces.
func VerdictFromCode(code int32) (Verdict, bool) {
	switch code {
	case TCActUnspec:
		return VerdictPass, true
	case TCActShot:
		return VerdictDrop, true
	}
	return VerdictDrop, false
}

func (v Verdict) String() string {
	if v == VerdictPass {
		return "pass"
	}
	return "drop"
}

// Reason records which rule produced a drop. ReasonNone accompanies every pass.
// The numeric values are shared with the kernel programs.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonTruncated
	ReasonUnsupportedProtocol
	ReasonBadVersion
	ReasonBadHeaderLength
	ReasonFragment
	ReasonTruncatedTransport
	ReasonNotLearned
)

var reasonNames = [...]string{
	ReasonNone:                "none",
	ReasonTruncated:           "truncated",
	ReasonUnsupportedProtocol: "unsupported-protocol",
	ReasonBadVersion:          "bad-version",
	ReasonBadHeaderLength:     "bad-header-length",
	ReasonFragment:            "fragment",
	ReasonTruncatedTransport:  "truncated-transport",
	ReasonNotLearned:          "not-learned",
}

func (r Reason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

// Direction is the traffic-control attachment side of a classifier.
type Direction uint8

const (
	Ingress Direction = iota
	Egress
)

func (d Direction) String() string {
	if d == Egress {
		return "egress"
	}
	return "ingress"
}

// ParseDirection accepts "ingress" or "egress" in any case.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ingress":
		return Ingress, nil
	case "egress":
		return Egress, nil
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}
