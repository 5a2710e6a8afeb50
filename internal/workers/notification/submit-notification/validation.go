package submitnotification

import "notification-dispatch/internal/common/validation"

const inputSchema = `{
	"type": "object",
	"required": ["tenantId", "recipientType", "recipientId", "typeCode", "channel", "eventId"],
	"properties": {
		"tenantId":      {"type": "string", "minLength": 1},
		"recipientType": {"type": "string", "minLength": 1},
		"recipientId":   {"type": "string", "minLength": 1},
		"address":       {"type": "string"},
		"typeCode":      {"type": "string", "minLength": 1},
		"channel":       {"type": "string", "enum": ["email", "sms", "push", "in_app"]},
		"variables":     {"type": "object"},
		"priority":      {"type": "string"},
		"scheduledFor":  {"type": "string", "format": "date-time"},
		"expiresAt":     {"type": "string", "format": "date-time"},
		"language":      {"type": "string"},
		"eventId":       {"type": "string", "minLength": 1}
	}
}`

var schemas = validation.NewSchemaValidator().MustRegister(TaskType, inputSchema)
