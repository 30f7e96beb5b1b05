package saga

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

type Handler func(ctx *Context, msg Message) error

//Extractor pulls the correlation value out of a message. It must not have side effects.
type Extractor func(msg Message) (string, error)

type CorrelationRule struct {
	MessageType string
	Property    string
	Extract     Extractor
}

/*
Definition describes one saga type: how each message type correlates to an instance, which handler runs
for it and which message types may start a new instance.
*/
type Definition struct {
	Name       string
	rules      map[string]CorrelationRule
	handlers   map[string]Handler
	initiators map[string]bool
	order      []string
}

func Define(name string) *Definition {
	return &Definition{
		Name:       name,
		rules:      make(map[string]CorrelationRule),
		handlers:   make(map[string]Handler),
		initiators: make(map[string]bool),
	}
}

//Correlate messages of the given type with the instance whose state property equals the extracted value.
func (def *Definition) Correlate(messageType string, property string, extract Extractor) *Definition {
	def.rules[messageType] = CorrelationRule{
		MessageType: messageType,
		Property:    property,
		Extract:     extract,
	}
	return def
}

//Handle messages of the given type for existing instances only.
func (def *Definition) Handle(messageType string, handler Handler) *Definition {
	if _, ok := def.handlers[messageType]; !ok {
		def.order = append(def.order, messageType)
	}
	def.handlers[messageType] = handler
	return def
}

//StartedBy handles messages of the given type and creates a new instance when none correlates.
func (def *Definition) StartedBy(messageType string, handler Handler) *Definition {
	def.Handle(messageType, handler)
	def.initiators[messageType] = true
	return def
}

func (def *Definition) MessageTypes() []string {
	types := make([]string, len(def.order))
	copy(types, def.order)
	return types
}

func (def *Definition) Rule(messageType string) (CorrelationRule, bool) {
	rule, ok := def.rules[messageType]
	return rule, ok
}

//Rules returns the correlation rules in handler registration order.
func (def *Definition) Rules() []CorrelationRule {
	rules := make([]CorrelationRule, 0, len(def.rules))
	for _, messageType := range def.order {
		if rule, ok := def.rules[messageType]; ok {
			rules = append(rules, rule)
		}
	}
	return rules
}

func (def *Definition) CanStart(messageType string) bool {
	return def.initiators[messageType]
}

func (def *Definition) handler(messageType string) Handler {
	return def.handlers[messageType]
}

func (def *Definition) validate() error {
	if def.Name == "" {
		return errors.New("saga has no name")
	}
	if len(def.handlers) == 0 {
		return fmt.Errorf("saga %s handles no messages", def.Name)
	}
	for _, messageType := range def.order {
		rule, ok := def.rules[messageType]
		if !ok {
			return fmt.Errorf("saga %s handles %s without a correlation rule", def.Name, messageType)
		}
		if rule.Property == "" || rule.Extract == nil {
			return fmt.Errorf("saga %s has an incomplete correlation rule for %s", def.Name, messageType)
		}
		if def.handlers[messageType] == nil {
			return fmt.Errorf("saga %s has a nil handler for %s", def.Name, messageType)
		}
	}
	return nil
}

//Field extracts a top level field of the message payload. Numbers keep their literal form.
func Field(name string) Extractor {
	return func(msg Message) (string, error) {
		payload := make(map[string]json.RawMessage)
		if err := msg.Bind(&payload); err != nil {
			return "", err
		}
		raw, ok := payload[name]
		if !ok {
			return "", nil
		}

		decoder := json.NewDecoder(bytes.NewReader(raw))
		decoder.UseNumber()
		var value interface{}
		if err := decoder.Decode(&value); err != nil {
			return "", err
		}
		return render(value), nil
	}
}

//render formats a correlation value so that a number reads the same whether it came from a payload or from state.
func render(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	default:
		return fmt.Sprint(v)
	}
}
