package catalog

import (
	"encoding/json"
	"fmt"
	"time"
)

// SendConfig is the action configuration for send_message steps.
type SendConfig struct {
	// Channel selects the delivery channel: "sms" or "email".
	Channel string `json:"channel"`

	// TemplateID identifies the message template rendered by the send
	// capability.
	TemplateID string `json:"template_id"`

	// AddressKey names the context binding holding the recipient address
	// (phone number for SMS, email address for email).
	AddressKey string `json:"address_key"`
}

// DelayConfig is the action configuration for wait_delay steps.
type DelayConfig struct {
	// DelaySeconds is how long the enrollment sleeps before the next
	// step becomes due.
	DelaySeconds int64 `json:"delay_seconds"`
}

// Delay returns the configured delay as a duration.
func (c DelayConfig) Delay() time.Duration {
	return time.Duration(c.DelaySeconds) * time.Second
}

// WaitReplyConfig is the action configuration for wait_for_reply steps.
type WaitReplyConfig struct {
	// Channel is the channel the reply is expected on: "sms" or "email".
	Channel string `json:"channel"`

	// AddressKey names the context binding holding the counterparty
	// address the reply will come from.
	AddressKey string `json:"address_key"`
}

// BranchConfig is the action configuration for branch steps.
type BranchConfig struct {
	// Key names the context binding whose value selects the branch case.
	Key string `json:"key"`

	// Cases maps binding values to target step orders.
	Cases map[string]int `json:"cases"`

	// Default is the target step order when no case matches.
	Default int `json:"default"`
}

// DecodeConfig unmarshals raw step config into dst, reporting the step
// for context on failure.
func DecodeConfig(s Step, dst any) error {
	if len(s.Config) == 0 {
		return fmt.Errorf("catalog: step %d of workflow %s has no config", s.Order, s.WorkflowID)
	}
	if err := json.Unmarshal(s.Config, dst); err != nil {
		return fmt.Errorf("catalog: decode config for step %d of workflow %s: %w", s.Order, s.WorkflowID, err)
	}
	return nil
}
