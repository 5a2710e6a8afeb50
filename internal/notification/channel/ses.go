package channel

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"

	awsclient "notification-dispatch/internal/common/aws"
	"notification-dispatch/internal/common/logger"
	"notification-dispatch/internal/models"
)

// EmailAPI is satisfied by awsclient.SESClient.
type EmailAPI interface {
	SendEmail(ctx context.Context, input *ses.SendEmailInput) (*ses.SendEmailOutput, error)
}

type SESSender struct {
	client EmailAPI
	from   string
	logger logger.Logger
}

func NewSESSender(client EmailAPI, from string, log logger.Logger) *SESSender {
	return &SESSender{
		client: client,
		from:   from,
		logger: log.WithFields(map[string]interface{}{"component": "sender", "channel": "email", "provider": "ses"}),
	}
}

func (s *SESSender) Channel() models.Channel { return models.ChannelEmail }

func (s *SESSender) Send(ctx context.Context, msg Message) models.SendResult {
	content, ok := msg.Content.(models.EmailContent)
	if !ok {
		return models.PermanentFailure("ses sender needs email content")
	}

	body := &types.Body{}
	if content.Text != "" {
		body.Text = &types.Content{Data: aws.String(content.Text), Charset: aws.String("UTF-8")}
	}
	if content.HTML != "" {
		body.Html = &types.Content{Data: aws.String(content.HTML), Charset: aws.String("UTF-8")}
	}

	out, err := s.client.SendEmail(ctx, &ses.SendEmailInput{
		Destination: &types.Destination{ToAddresses: []string{msg.Address}},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(content.Subject), Charset: aws.String("UTF-8")},
			Body:    body,
		},
		Source: aws.String(s.from),
		Tags: []types.MessageTag{
			{Name: aws.String("entry_id"), Value: aws.String(msg.EntryID)},
		},
	})
	if err != nil {
		return classifyAWS(s.logger, msg, err)
	}
	return models.Delivered(aws.ToString(out.MessageId), map[string]string{"provider": "ses"})
}

// classifyAWS maps an AWS SDK error to a send outcome.
func classifyAWS(log logger.Logger, msg Message, err error) models.SendResult {
	code := awsclient.ErrorCode(err)
	fields := map[string]interface{}{
		"entryId": msg.EntryID,
		"code":    code,
		"error":   err.Error(),
	}
	if awsclient.IsPermanent(err) {
		log.Warn("provider rejected message", fields)
		return models.PermanentFailure(code + ": " + err.Error())
	}
	log.Info("provider call failed, will retry", fields)
	return models.TransientFailure(err.Error())
}
