package mqtt

import "fmt"

const topicPrefix = "portunus"

// TopicCredentialsChanged is published by the authority whenever a
// decision changes. Nodes react by syncing.
const TopicCredentialsChanged = topicPrefix + "/credentials/changed"

// NodeStatus is the retained online/offline topic for a device.
func NodeStatus(deviceID string) string {
	return fmt.Sprintf("%s/nodes/%s/status", topicPrefix, deviceID)
}

// NodeCommand carries operator commands for a device.
func NodeCommand(deviceID string) string {
	return fmt.Sprintf("%s/nodes/%s/command", topicPrefix, deviceID)
}

// NodeEntries is where the authority announces granted entries received
// from a device.
func NodeEntries(deviceID string) string {
	return fmt.Sprintf("%s/nodes/%s/entries", topicPrefix, deviceID)
}

// AuthorityStatus is the retained status topic of the reference authority.
func AuthorityStatus() string {
	return topicPrefix + "/authority/status"
}
