package telemetry

import (
	"encoding/json"
	"time"

	"github.com/amoahfrank/firewatch/errors"
)

// Commands a node accepts on its command topic
const (
	CommandRestart     = "restart"
	CommandCalibrate   = "calibrate"
	CommandTestSensors = "test-sensors"
	CommandResetConfig = "reset-config"
)

const commandSchemaJSON = `{
  "type": "object",
  "required": ["command"],
  "properties": {
    "command":    {"enum": ["restart", "calibrate", "test-sensors", "reset-config"]},
    "parameters": {"type": "object"}
  }
}`

var commandSchema = mustSchema(commandSchemaJSON)

// Command is an operator instruction pushed to one node
type Command struct {
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters"`
	Timestamp  time.Time      `json:"timestamp"`
}

// DecodeCommand validates raw and stamps the command with issued
func DecodeCommand(raw []byte, issued time.Time) (Command, error) {
	if err := validateAgainst(commandSchema, raw, errors.ErrInvalidCommand, "DecodeCommand"); err != nil {
		return Command{}, err
	}

	var c Command
	if err := json.Unmarshal(raw, &c); err != nil {
		return Command{}, errors.Invalidf(errors.ErrInvalidCommand, "telemetry", "DecodeCommand",
			"decode payload: %v", err)
	}
	if c.Parameters == nil {
		c.Parameters = map[string]any{}
	}
	c.Timestamp = issued.UTC()
	return c, nil
}
