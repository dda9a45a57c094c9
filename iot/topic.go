package iot

import "fmt"

// EventTopic is MQTT topic of one outbound message, data type and id are message properties.
func EventTopic(deviceID, dataType string, id uint64) string {
	return fmt.Sprintf("devices/%s/messages/events/a=%s&mid=%d", deviceID, dataType, id)
}

// CommandTopicFilter subscribes to every cloud-to-device message of device.
func CommandTopicFilter(deviceID string) string {
	return fmt.Sprintf("devices/%s/messages/devicebound/#", deviceID)
}
