package redisstore

import "fmt"

//InstanceKey returns the hash key of a saga instance: gobus:{namespace}:saga:{id}
func InstanceKey(namespace string, id string) string {
	return fmt.Sprintf("gobus:%s:saga:%s", namespace, id)
}

//CorrelationKey returns the string key mapping a correlation to an instance id:
//gobus:{namespace}:correlation:{sagaType}:{messageType}:{value}
func CorrelationKey(namespace string, sagaType string, messageType string, value string) string {
	return fmt.Sprintf("gobus:%s:correlation:%s:%s:%s", namespace, sagaType, messageType, value)
}

//InstanceCorrelationsKey returns the set of correlation keys owned by one instance.
func InstanceCorrelationsKey(namespace string, sagaType string, id string) string {
	return fmt.Sprintf("gobus:%s:correlations:%s:%s", namespace, sagaType, id)
}
