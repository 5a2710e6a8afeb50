package api

import "notification-dispatch/internal/common/validation"

const (
	schemaSubmit      = "submit-notification"
	schemaEngagement  = "engagement"
	schemaTemplate    = "template"
	schemaPreference  = "preference"
	schemaHold        = "compliance-hold"
	schemaAddress     = "recipient-address"
	schemaTenant      = "tenant-config"
	schemaWebhook     = "register-webhook"
	schemaWebhookEvt  = "webhook-event"
	schemaRecompute   = "analytics-recompute"
	recipientSchema   = `{"type": "object", "required": ["type", "id"], "properties": {"type": {"type": "string", "minLength": 1}, "id": {"type": "string", "minLength": 1}}}`
	notificationChans = `{"type": "string", "enum": ["email", "sms", "push", "in_app"]}`
	quietHoursSchema  = `{"type": "object", "required": ["start", "end"], "properties": {"start": {"type": "string"}, "end": {"type": "string"}, "timezone": {"type": "string"}}}`
	daySchema         = `{"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"}`
)

func newSchemas() *validation.SchemaValidator {
	return validation.NewSchemaValidator().
		MustRegister(schemaSubmit, `{
			"type": "object",
			"required": ["recipient", "typeCode", "channel"],
			"properties": {
				"tenantId": {"type": "string"},
				"recipient": `+recipientSchema+`,
				"address": {"type": "string"},
				"typeCode": {"type": "string", "minLength": 1},
				"channel": `+notificationChans+`,
				"language": {"type": "string"},
				"variables": {"type": "object"},
				"priority": {"type": "string"},
				"scheduledFor": {"type": "string", "format": "date-time"},
				"expiresAt": {"type": "string", "format": "date-time"},
				"eventId": {"type": "string"}
			}
		}`).
		MustRegister(schemaEngagement, `{
			"type": "object",
			"required": ["type"],
			"properties": {"type": {"type": "string", "enum": ["opened", "clicked"]}}
		}`).
		MustRegister(schemaTemplate, `{
			"type": "object",
			"required": ["typeCode", "channel", "language", "body"],
			"properties": {
				"typeCode": {"type": "string", "minLength": 1},
				"channel": `+notificationChans+`,
				"language": {"type": "string", "minLength": 2},
				"subject": {"type": "string"},
				"title": {"type": "string"},
				"body": {"type": "string", "minLength": 1},
				"htmlBody": {"type": "string"},
				"link": {"type": "string"},
				"active": {"type": "boolean"}
			}
		}`).
		MustRegister(schemaPreference, `{
			"type": "object",
			"required": ["recipient", "optedIn"],
			"properties": {
				"recipient": `+recipientSchema+`,
				"typeCode": {"type": "string"},
				"channel": `+notificationChans+`,
				"optedIn": {"type": "boolean"},
				"quietHours": `+quietHoursSchema+`
			}
		}`).
		MustRegister(schemaHold, `{
			"type": "object",
			"required": ["recipient", "flag", "active"],
			"properties": {
				"recipient": `+recipientSchema+`,
				"channel": `+notificationChans+`,
				"flag": {"type": "string", "minLength": 1},
				"active": {"type": "boolean"}
			}
		}`).
		MustRegister(schemaAddress, `{
			"type": "object",
			"required": ["recipient", "channel", "address"],
			"properties": {
				"recipient": `+recipientSchema+`,
				"channel": `+notificationChans+`,
				"address": {"type": "string", "minLength": 1}
			}
		}`).
		MustRegister(schemaTenant, `{
			"type": "object",
			"properties": {
				"default_language": {"type": "string"},
				"channel_rate_limits": {"type": "object", "additionalProperties": {
					"type": "object",
					"properties": {"hour": {"type": "integer"}, "day": {"type": "integer"}, "month": {"type": "integer"}}
				}},
				"retry": {"type": "object"},
				"channel_retry": {"type": "object"},
				"quiet_hours": `+quietHoursSchema+`,
				"webhook_timeout_seconds": {"type": "integer", "minimum": 0},
				"webhook_retry_attempts": {"type": "integer", "minimum": 0},
				"webhook_auto_disable_after": {"type": "integer", "minimum": 0},
				"webhook_concurrency": {"type": "integer", "minimum": 0},
				"max_rate_limit_deferrals": {"type": "integer", "minimum": 0}
			}
		}`).
		MustRegister(schemaWebhook, `{
			"type": "object",
			"required": ["url", "secret", "events"],
			"properties": {
				"url": {"type": "string", "minLength": 1},
				"secret": {"type": "string"},
				"events": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}}
			}
		}`).
		MustRegister(schemaWebhookEvt, `{
			"type": "object",
			"required": ["eventType"],
			"properties": {
				"eventType": {"type": "string", "minLength": 1},
				"eventId": {"type": "string"},
				"occurredAt": {"type": "string", "format": "date-time"},
				"data": {}
			}
		}`).
		MustRegister(schemaRecompute, `{
			"type": "object",
			"required": ["from", "to"],
			"properties": {"from": `+daySchema+`, "to": `+daySchema+`}
		}`)
}
