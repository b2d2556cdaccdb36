package enums

import "fmt"

// StepKind is the discriminator for the step sum type within a workflow
// definition.  The executor switches exhaustively over every kind; adding a
// kind is a compile-time extension.
type StepKind int

const (
	// StepKindAction invokes a registered action handler.
	StepKindAction StepKind = iota
	// StepKindCondition evaluates branch filters and jumps to the matching
	// branch's target step.
	StepKindCondition
	// StepKindWait suspends the execution for a duration or until an
	// absolute time.
	StepKindWait
	// StepKindGoalCheck re-evaluates the workflow goal against the current
	// subject state.
	StepKindGoalCheck
)

var stepKindNames = map[StepKind]string{
	StepKindAction:    "action",
	StepKindCondition: "condition",
	StepKindWait:      "wait",
	StepKindGoalCheck: "goal_check",
}

func (k StepKind) String() string {
	if n, ok := stepKindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("StepKind(%d)", int(k))
}

func (k StepKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *StepKind) UnmarshalText(byt []byte) error {
	str := string(byt)
	for kind, n := range stepKindNames {
		if n == str {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown step kind: %q", str)
}
