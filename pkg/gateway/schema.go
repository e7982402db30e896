package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

var messageSchemas = map[string]string{
	TypeSubscribe: channelMessageSchema("subscribe"),
	TypeRequest:   channelMessageSchema("request"),

	TypeAuthenticate: `{
		"type": "object",
		"required": ["type", "token"],
		"properties": {
			"type": {"enum": ["authenticate"]},
			"token": {"type": "string", "minLength": 1}
		}
	}`,

	TypeUnsubscribe: `{
		"type": "object",
		"required": ["type", "channel"],
		"properties": {
			"type": {"enum": ["unsubscribe"]},
			"channel": {"type": "string", "minLength": 1},
			"params": {"type": ["object", "null"]}
		}
	}`,

	TypePong: `{
		"type": "object",
		"required": ["type"],
		"properties": {
			"type": {"enum": ["pong"]}
		}
	}`,

	TypeKeepAlive: `{
		"type": "object",
		"required": ["type", "agentIds"],
		"properties": {
			"type": {"enum": ["keep-alive"]},
			"agentIds": {"type": "array", "items": {"type": "string", "minLength": 1}},
			"requestId": {"type": "string"}
		}
	}`,
}

func channelMessageSchema(msgType string) string {
	return fmt.Sprintf(`{
		"type": "object",
		"required": ["type", "channel"],
		"properties": {
			"type": {"enum": [%q]},
			"channel": {"type": "string", "minLength": 1},
			"params": {"type": ["object", "null"]},
			"requestId": {"type": "string"}
		}
	}`, msgType)
}

// Envelope is a validated client message.
type Envelope struct {
	Type      string
	RequestID string
	Raw       json.RawMessage
}

// MessageValidator checks client messages against per-type JSON schemas.
type MessageValidator struct {
	schemas map[string]*gojsonschema.Schema
}

// NewMessageValidator compiles the schemas for every client message type.
func NewMessageValidator() (*MessageValidator, error) {
	v := &MessageValidator{schemas: make(map[string]*gojsonschema.Schema, len(messageSchemas))}
	for msgType, src := range messageSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s schema: %w", msgType, err)
		}
		v.schemas[msgType] = schema
	}
	return v, nil
}

// Parse decodes data into an envelope. Errors are *ProtocolError with
// INVALID_MESSAGE or UNKNOWN_MESSAGE_TYPE; the envelope is still returned
// when the request id could be read.
func (v *MessageValidator) Parse(data []byte) (*Envelope, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil || doc == nil {
		return nil, protocolError(CodeInvalidMessage, "Malformed JSON")
	}

	env := &Envelope{Raw: json.RawMessage(data)}
	env.RequestID, _ = doc["requestId"].(string)

	msgType, ok := doc["type"].(string)
	if !ok || msgType == "" {
		return env, protocolError(CodeInvalidMessage, "Missing message type")
	}
	env.Type = msgType

	schema, ok := v.schemas[msgType]
	if !ok {
		return env, protocolError(CodeUnknownMessageType, "Unknown message type: %s", msgType)
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return env, protocolError(CodeInvalidMessage, "Invalid %s message", msgType)
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return env, protocolError(CodeInvalidMessage, "Invalid %s message: %s", msgType, first.String())
	}

	return env, nil
}
