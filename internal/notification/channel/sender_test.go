package channel

import (
	"context"
	"errors"
	"net/smtp"
	"net/textproto"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"notification-dispatch/internal/common/logger"
	"notification-dispatch/internal/models"
)

// ==========================
// Mocks
// ==========================

type MockEmailAPI struct {
	mock.Mock
}

func (m *MockEmailAPI) SendEmail(ctx context.Context, input *ses.SendEmailInput) (*ses.SendEmailOutput, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ses.SendEmailOutput), args.Error(1)
}

type MockPublishAPI struct {
	mock.Mock
}

func (m *MockPublishAPI) Publish(ctx context.Context, input *sns.PublishInput) (*sns.PublishOutput, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sns.PublishOutput), args.Error(1)
}

type MockPublisher struct {
	PublishFunc func(ctx context.Context, routingKey, messageID string, v interface{}) error
}

func (m *MockPublisher) PublishJSON(ctx context.Context, routingKey, messageID string, v interface{}) error {
	return m.PublishFunc(ctx, routingKey, messageID, v)
}

type slowSender struct {
	ch    models.Channel
	delay time.Duration
}

func (s slowSender) Channel() models.Channel { return s.ch }

func (s slowSender) Send(ctx context.Context, _ Message) models.SendResult {
	select {
	case <-time.After(s.delay):
		return models.Delivered("late", nil)
	case <-ctx.Done():
		return models.TransientFailure(ctx.Err().Error())
	}
}

// ==========================
// Registry
// ==========================

func TestRegistry_Send(t *testing.T) {
	log := logger.NewTestLogger(t)

	tests := []struct {
		name           string
		channel        models.Channel
		msg            Message
		validateOutput func(t *testing.T, res models.SendResult)
	}{
		{
			name:    "delivered through log sender",
			channel: models.ChannelSMS,
			msg:     Message{EntryID: "e1", Address: "+14155550100", Content: models.SMSContent{Text: "hi"}},
			validateOutput: func(t *testing.T, res models.SendResult) {
				assert.Equal(t, models.OutcomeDelivered, res.Outcome)
				assert.NotEmpty(t, res.ProviderMessageID)
			},
		},
		{
			name:    "unknown channel is permanent",
			channel: models.ChannelPush,
			msg:     Message{Address: "arn", Content: models.PushContent{Title: "t"}},
			validateOutput: func(t *testing.T, res models.SendResult) {
				assert.Equal(t, models.OutcomePermanent, res.Outcome)
			},
		},
		{
			name:    "content for another channel is permanent",
			channel: models.ChannelSMS,
			msg:     Message{Address: "+14155550100", Content: models.EmailContent{Subject: "s", Text: "b"}},
			validateOutput: func(t *testing.T, res models.SendResult) {
				assert.Equal(t, models.OutcomePermanent, res.Outcome)
			},
		},
		{
			name:    "missing address is permanent",
			channel: models.ChannelSMS,
			msg:     Message{Content: models.SMSContent{Text: "hi"}},
			validateOutput: func(t *testing.T, res models.SendResult) {
				assert.Equal(t, models.OutcomePermanent, res.Outcome)
				assert.Contains(t, res.Reason, "no address")
			},
		},
		{
			name:    "invalid content is permanent",
			channel: models.ChannelSMS,
			msg:     Message{Address: "+14155550100", Content: models.SMSContent{}},
			validateOutput: func(t *testing.T, res models.SendResult) {
				assert.Equal(t, models.OutcomePermanent, res.Outcome)
			},
		},
	}

	reg := NewRegistry(time.Second, NewLogSender(models.ChannelSMS, log))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.validateOutput(t, reg.Send(context.Background(), tt.channel, tt.msg))
		})
	}
}

func TestRegistry_TimeoutIsTransient(t *testing.T) {
	reg := NewRegistry(20*time.Millisecond, slowSender{ch: models.ChannelInApp, delay: time.Second})
	res := reg.Send(context.Background(), models.ChannelInApp, Message{Address: "u1", Content: models.InAppContent{Body: "b"}})
	assert.Equal(t, models.OutcomeTransient, res.Outcome)
	assert.Equal(t, "send timed out", res.Reason)
}

// ==========================
// Providers
// ==========================

func TestSESSender(t *testing.T) {
	api := new(MockEmailAPI)
	api.On("SendEmail", mock.Anything, mock.MatchedBy(func(in *ses.SendEmailInput) bool {
		return in.Destination.ToAddresses[0] == "a@example.com" &&
			aws.ToString(in.Source) == "noreply@example.com" &&
			aws.ToString(in.Message.Subject.Data) == "Hello" &&
			in.Message.Body.Html != nil && in.Message.Body.Text == nil
	})).Return(&ses.SendEmailOutput{MessageId: aws.String("ses-1")}, nil).Once()
	api.On("SendEmail", mock.Anything, mock.Anything).
		Return(nil, &smithy.GenericAPIError{Code: "MessageRejected", Message: "Email address is not verified"}).Once()
	api.On("SendEmail", mock.Anything, mock.Anything).
		Return(nil, &smithy.GenericAPIError{Code: "Throttling", Message: "slow down"}).Once()

	s := NewSESSender(api, "noreply@example.com", logger.NewTestLogger(t))
	msg := Message{EntryID: "e1", Address: "a@example.com", Content: models.EmailContent{Subject: "Hello", HTML: "<p>hi</p>"}}

	res := s.Send(context.Background(), msg)
	assert.Equal(t, models.OutcomeDelivered, res.Outcome)
	assert.Equal(t, "ses-1", res.ProviderMessageID)

	res = s.Send(context.Background(), msg)
	assert.Equal(t, models.OutcomePermanent, res.Outcome)

	res = s.Send(context.Background(), msg)
	assert.Equal(t, models.OutcomeTransient, res.Outcome)
	api.AssertExpectations(t)
}

func TestSMSSender(t *testing.T) {
	api := new(MockPublishAPI)
	api.On("Publish", mock.Anything, mock.MatchedBy(func(in *sns.PublishInput) bool {
		_, hasSender := in.MessageAttributes["AWS.SNS.SMS.SenderID"]
		return aws.ToString(in.PhoneNumber) == "+14155550100" && aws.ToString(in.Message) == "code 1234" && hasSender
	})).Return(&sns.PublishOutput{MessageId: aws.String("sns-1")}, nil)

	s := NewSMSSender(api, "ACME", 10, logger.NewTestLogger(t))
	res := s.Send(context.Background(), Message{Address: "+14155550100", Content: models.SMSContent{Text: "code 1234"}})
	assert.Equal(t, models.OutcomeDelivered, res.Outcome)
	assert.Equal(t, "sns-1", res.ProviderMessageID)

	res = s.Send(context.Background(), Message{Address: "not-a-phone", Content: models.SMSContent{Text: "x"}})
	assert.Equal(t, models.OutcomePermanent, res.Outcome)
	api.AssertNumberOfCalls(t, "Publish", 1)
}

func TestPushSender_Payload(t *testing.T) {
	api := new(MockPublishAPI)
	api.On("Publish", mock.Anything, mock.MatchedBy(func(in *sns.PublishInput) bool {
		return aws.ToString(in.TargetArn) == "arn:aws:sns:endpoint/1" &&
			aws.ToString(in.MessageStructure) == "json" &&
			strings.Contains(aws.ToString(in.Message), `"default":"Your order shipped"`)
	})).Return(&sns.PublishOutput{MessageId: aws.String("p-1")}, nil)

	s := NewPushSender(api, logger.NewTestLogger(t))
	res := s.Send(context.Background(), Message{
		Address: "arn:aws:sns:endpoint/1",
		Content: models.PushContent{Title: "Shipped", Body: "Your order shipped", Data: map[string]string{"orderId": "o1"}},
	})
	assert.Equal(t, models.OutcomeDelivered, res.Outcome)
	api.AssertExpectations(t)
}

func TestInAppSender(t *testing.T) {
	var gotKey, gotID string
	pub := &MockPublisher{PublishFunc: func(_ context.Context, routingKey, messageID string, v interface{}) error {
		gotKey, gotID = routingKey, messageID
		return nil
	}}
	s := NewInAppSender(pub)
	res := s.Send(context.Background(), Message{EntryID: "e1", TenantID: "acme", Address: "u1", Content: models.InAppContent{Body: "b"}})
	assert.Equal(t, models.OutcomeDelivered, res.Outcome)
	assert.Equal(t, "inapp.acme.u1", gotKey)
	assert.Equal(t, "e1", gotID)

	pub.PublishFunc = func(context.Context, string, string, interface{}) error { return errors.New("channel closed") }
	res = s.Send(context.Background(), Message{EntryID: "e2", TenantID: "acme", Address: "u1", Content: models.InAppContent{Body: "b"}})
	assert.Equal(t, models.OutcomeTransient, res.Outcome)
}

func TestSMTPSender(t *testing.T) {
	var sent []byte
	s := NewSMTPSender("smtp.example.com", 587, "", "", "noreply@example.com", logger.NewTestLogger(t)).
		WithSendMail(func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
			assert.Equal(t, "smtp.example.com:587", addr)
			assert.Equal(t, []string{"a@example.com"}, to)
			sent = msg
			return nil
		})

	res := s.Send(context.Background(), Message{EntryID: "e1", Address: "a@example.com",
		Content: models.EmailContent{Subject: "Hi", Text: "plain", HTML: "<b>rich</b>"}})
	require.Equal(t, models.OutcomeDelivered, res.Outcome)
	assert.Equal(t, "<e1@smtp.example.com>", res.ProviderMessageID)
	assert.Contains(t, string(sent), "multipart/alternative")
	assert.Contains(t, string(sent), "<b>rich</b>")

	s.WithSendMail(func(string, smtp.Auth, string, []string, []byte) error {
		return &textproto.Error{Code: 550, Msg: "mailbox unavailable"}
	})
	res = s.Send(context.Background(), Message{EntryID: "e2", Address: "a@example.com", Content: models.EmailContent{Subject: "Hi", Text: "x"}})
	assert.Equal(t, models.OutcomePermanent, res.Outcome)

	s.WithSendMail(func(string, smtp.Auth, string, []string, []byte) error {
		return &textproto.Error{Code: 421, Msg: "try later"}
	})
	res = s.Send(context.Background(), Message{EntryID: "e3", Address: "a@example.com", Content: models.EmailContent{Subject: "Hi", Text: "x"}})
	assert.Equal(t, models.OutcomeTransient, res.Outcome)
}

// ==========================
// Directory
// ==========================

func TestPostgresDirectory_Resolve(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	alice := models.RecipientRef{Type: "user", ID: "alice"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM recipient_addresses")).
		WithArgs("acme", "user", "alice", "email").
		WillReturnRows(sqlmock.NewRows([]string{"address"}).AddRow("alice@example.com"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM recipient_addresses")).
		WithArgs("acme", "user", "alice", "sms").
		WillReturnRows(sqlmock.NewRows([]string{"address"}))

	d := NewPostgresDirectory(db)
	addr, err := d.Resolve(context.Background(), "acme", alice, models.ChannelEmail)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", addr)

	_, err = d.Resolve(context.Background(), "acme", alice, models.ChannelSMS)
	assert.ErrorIs(t, err, ErrNoAddress)

	addr, err = d.Resolve(context.Background(), "acme", alice, models.ChannelInApp)
	require.NoError(t, err)
	assert.Equal(t, "alice", addr)
	assert.NoError(t, mock.ExpectationsWereMet())
}
