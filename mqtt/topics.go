package mqtt

import (
	"fmt"
	"strings"
)

// Availability payloads, also used as the last will.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

func AvailabilityTopic(baseTopic string) string {
	return fmt.Sprintf("%v/state", baseTopic)
}

func StateTopic(baseTopic string, nodeKey string, measurement string) string {
	return fmt.Sprintf("%v/%v/%v", baseTopic, nodeKey, measurement)
}

func validTopic(topic string) bool {
	return topic != "" && !strings.ContainsAny(topic, "+#\x00")
}
