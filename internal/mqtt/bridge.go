package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/BrandonDHaskell/Portunus/node/internal/authority"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/coordinator"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/types"
)

// Submitter hands a command to the control loop without blocking.
// coordinator.Coordinator.Submit satisfies it.
type Submitter func(coordinator.Command) error

type commandMessage struct {
	Command string `json:"command"`
}

// CredentialChange is the payload on TopicCredentialsChanged.
type CredentialChange struct {
	ID      string `json:"id"`
	Version uint64 `json:"version"`
}

// Entry is the payload on NodeEntries.
type Entry struct {
	EventID      string    `json:"event_id"`
	DeviceID     string    `json:"device_id"`
	CredentialID string    `json:"credential_id"`
	Outcome      string    `json:"outcome"`
	Priority     bool      `json:"priority,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

func entryMessage(e authority.StoredEvent) (string, []byte, error) {
	data, err := json.Marshal(Entry{
		EventID:      e.Event.ID,
		DeviceID:     e.Device,
		CredentialID: e.Event.CredentialID,
		Outcome:      string(e.Event.Outcome),
		Priority:     e.Event.Priority,
		Timestamp:    e.Event.Timestamp.UTC(),
	})
	return NodeEntries(e.Device), data, err
}

// BindNode subscribes a node to its command topic and to credential
// change notifications.
func BindNode(c *Client, deviceID string, submit Submitter) error {
	if err := c.Subscribe(NodeCommand(deviceID), CommandHandler(submit)); err != nil {
		return err
	}
	return c.Subscribe(TopicCredentialsChanged, ChangeHandler(submit))
}

// CommandHandler parses {"command":"sync"|"reset"} and submits it.
func CommandHandler(submit Submitter) MessageHandler {
	return func(topic string, payload []byte) error {
		var msg commandMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return fmt.Errorf("decode command on %s: %w", topic, err)
		}
		cmd, err := coordinator.ParseCommand(msg.Command)
		if err != nil {
			return err
		}
		return submit(cmd)
	}
}

// ChangeHandler turns any credential change notification into a sync.
// The payload is informational; the sync pulls the authoritative delta.
func ChangeHandler(submit Submitter) MessageHandler {
	return func(string, []byte) error {
		return submit(coordinator.CommandSync)
	}
}

// ChangePublisher returns a callback that announces decision changes on
// TopicCredentialsChanged. Publish failures are logged.
func ChangePublisher(c *Client) func(types.Credential) {
	return func(cred types.Credential) {
		data, err := json.Marshal(CredentialChange{ID: cred.ID, Version: cred.Version})
		if err != nil {
			return
		}
		if err := c.Publish(TopicCredentialsChanged, false, data); err != nil {
			c.logger.Warn("credential change not announced", "credential_id", cred.ID, "error", err)
		}
	}
}

// EntryPublisher returns a callback that announces each granted entry the
// authority accepts. Publish failures are logged.
func EntryPublisher(c *Client) func(authority.StoredEvent) {
	return func(e authority.StoredEvent) {
		topic, data, err := entryMessage(e)
		if err != nil {
			return
		}
		if err := c.Publish(topic, false, data); err != nil {
			c.logger.Warn("entry not announced", "event_id", e.Event.ID, "error", err)
		}
	}
}
