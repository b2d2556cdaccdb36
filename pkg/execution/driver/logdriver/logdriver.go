// Package logdriver provides stand-in action handlers for local
// development: every action succeeds after logging its config, so
// workflows can be exercised end to end without real integrations.
package logdriver

import (
	"context"

	"github.com/everflow-crm/everflow/pkg/execution/driver"
	"github.com/everflow-crm/everflow/pkg/logger"
)

// DefaultActionTypes are the action types registered by a dev deployment.
var DefaultActionTypes = []string{
	"send_email",
	"send_sms",
	"add_tag",
	"remove_tag",
	"update_attribute",
	"webhook",
}

// Handlers returns one logging handler per action type.
func Handlers(log logger.Logger, types ...string) []driver.Handler {
	if len(types) == 0 {
		types = DefaultActionTypes
	}
	out := make([]driver.Handler, len(types))
	for i, typ := range types {
		out[i] = &handler{name: typ, log: log.With("caller", "logdriver")}
	}
	return out
}

type handler struct {
	name string
	log  logger.Logger
}

func (h *handler) Name() string { return h.name }

func (h *handler) Execute(ctx context.Context, config map[string]any, ec driver.Context) (*driver.Response, error) {
	h.log.Info("action executed",
		"action", h.name,
		"execution_id", ec.ExecutionID,
		"step_index", ec.StepIndex,
		"config", config,
	)
	return &driver.Response{
		Outcome: driver.OutcomeSuccess,
		Output:  map[string]any{"action": h.name},
	}, nil
}
