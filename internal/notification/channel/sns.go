package channel

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"golang.org/x/time/rate"

	"notification-dispatch/internal/common/logger"
	"notification-dispatch/internal/common/validation"
	"notification-dispatch/internal/models"
)

// PublishAPI is satisfied by awsclient.SNSClient.
type PublishAPI interface {
	Publish(ctx context.Context, input *sns.PublishInput) (*sns.PublishOutput, error)
}

// SMSSender publishes text messages to phone numbers. Outgoing calls are
// paced to the account's SMS throughput.
type SMSSender struct {
	client   PublishAPI
	senderID string
	limiter  *rate.Limiter
	logger   logger.Logger
}

func NewSMSSender(client PublishAPI, senderID string, maxTPS int, log logger.Logger) *SMSSender {
	limit := rate.Inf
	burst := 1
	if maxTPS > 0 {
		limit = rate.Limit(maxTPS)
		burst = maxTPS
	}
	return &SMSSender{
		client:   client,
		senderID: senderID,
		limiter:  rate.NewLimiter(limit, burst),
		logger:   log.WithFields(map[string]interface{}{"component": "sender", "channel": "sms", "provider": "sns"}),
	}
}

func (s *SMSSender) Channel() models.Channel { return models.ChannelSMS }

func (s *SMSSender) Send(ctx context.Context, msg Message) models.SendResult {
	content, ok := msg.Content.(models.SMSContent)
	if !ok {
		return models.PermanentFailure("sms sender needs sms content")
	}
	if !validation.ValidatePhone(msg.Address) {
		return models.PermanentFailure("invalid phone number")
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return models.TransientFailure("sms pacing: " + err.Error())
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(msg.Address),
		Message:     aws.String(content.Text),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"AWS.SNS.SMS.SMSType": {DataType: aws.String("String"), StringValue: aws.String("Transactional")},
		},
	}
	if s.senderID != "" {
		input.MessageAttributes["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType: aws.String("String"), StringValue: aws.String(s.senderID),
		}
	}

	out, err := s.client.Publish(ctx, input)
	if err != nil {
		return classifyAWS(s.logger, msg, err)
	}
	return models.Delivered(aws.ToString(out.MessageId), map[string]string{"provider": "sns"})
}

// PushSender publishes to a mobile platform endpoint ARN.
type PushSender struct {
	client PublishAPI
	logger logger.Logger
}

func NewPushSender(client PublishAPI, log logger.Logger) *PushSender {
	return &PushSender{
		client: client,
		logger: log.WithFields(map[string]interface{}{"component": "sender", "channel": "push", "provider": "sns"}),
	}
}

func (s *PushSender) Channel() models.Channel { return models.ChannelPush }

func (s *PushSender) Send(ctx context.Context, msg Message) models.SendResult {
	content, ok := msg.Content.(models.PushContent)
	if !ok {
		return models.PermanentFailure("push sender needs push content")
	}
	payload, err := pushPayload(content)
	if err != nil {
		return models.PermanentFailure(err.Error())
	}

	out, err := s.client.Publish(ctx, &sns.PublishInput{
		TargetArn:        aws.String(msg.Address),
		Message:          aws.String(payload),
		MessageStructure: aws.String("json"),
	})
	if err != nil {
		return classifyAWS(s.logger, msg, err)
	}
	return models.Delivered(aws.ToString(out.MessageId), map[string]string{"provider": "sns"})
}

// pushPayload builds the per-platform message document SNS expects when
// MessageStructure is json.
func pushPayload(c models.PushContent) (string, error) {
	gcm, err := json.Marshal(map[string]interface{}{
		"notification": map[string]string{"title": c.Title, "body": c.Body},
		"data":         c.Data,
	})
	if err != nil {
		return "", err
	}
	apnsBody := map[string]interface{}{
		"aps": map[string]interface{}{"alert": map[string]string{"title": c.Title, "body": c.Body}},
	}
	for k, v := range c.Data {
		apnsBody[k] = v
	}
	apns, err := json.Marshal(apnsBody)
	if err != nil {
		return "", err
	}
	doc, err := json.Marshal(map[string]string{
		"default":      c.Body,
		"GCM":          string(gcm),
		"APNS":         string(apns),
		"APNS_SANDBOX": string(apns),
	})
	if err != nil {
		return "", err
	}
	return string(doc), nil
}
