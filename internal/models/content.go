package models

import (
	"errors"
	"fmt"
)

// Content is the rendered body of a notification. Each channel has its own
// concrete type; the set is closed.
type Content interface {
	Channel() Channel
	Validate() error
	isContent()
}

// EmailContent carries subject plus HTML and plain-text bodies.
type EmailContent struct {
	Subject string `json:"subject"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text,omitempty"`
}

// SMSContent carries a single text body.
type SMSContent struct {
	Text string `json:"text"`
}

// PushContent carries a title, body and a flat data payload for the device.
type PushContent struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// InAppContent is shown in the tenant's notification centre.
type InAppContent struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Link  string `json:"link,omitempty"`
}

func (EmailContent) Channel() Channel { return ChannelEmail }
func (SMSContent) Channel() Channel   { return ChannelSMS }
func (PushContent) Channel() Channel  { return ChannelPush }
func (InAppContent) Channel() Channel { return ChannelInApp }

func (EmailContent) isContent() {}
func (SMSContent) isContent()   {}
func (PushContent) isContent()  {}
func (InAppContent) isContent() {}

func (c EmailContent) Validate() error {
	if c.Subject == "" {
		return errors.New("email subject is empty")
	}
	if c.HTML == "" && c.Text == "" {
		return errors.New("email has neither html nor text body")
	}
	return nil
}

func (c SMSContent) Validate() error {
	if c.Text == "" {
		return errors.New("sms text is empty")
	}
	return nil
}

func (c PushContent) Validate() error {
	if c.Title == "" && c.Body == "" {
		return errors.New("push has neither title nor body")
	}
	return nil
}

func (c InAppContent) Validate() error {
	if c.Body == "" {
		return errors.New("in-app body is empty")
	}
	return nil
}

// ContentEnvelope is the serialized form of Content: a kind tag plus exactly
// one populated variant.
type ContentEnvelope struct {
	Kind  Channel       `json:"kind"`
	Email *EmailContent `json:"email,omitempty"`
	SMS   *SMSContent   `json:"sms,omitempty"`
	Push  *PushContent  `json:"push,omitempty"`
	InApp *InAppContent `json:"inApp,omitempty"`
}

// Envelope wraps c for storage or transport.
func Envelope(c Content) ContentEnvelope {
	env := ContentEnvelope{Kind: c.Channel()}
	switch v := c.(type) {
	case EmailContent:
		env.Email = &v
	case *EmailContent:
		env.Email = v
	case SMSContent:
		env.SMS = &v
	case *SMSContent:
		env.SMS = v
	case PushContent:
		env.Push = &v
	case *PushContent:
		env.Push = v
	case InAppContent:
		env.InApp = &v
	case *InAppContent:
		env.InApp = v
	}
	return env
}

// Content unwraps the envelope, checking the tag agrees with the payload.
func (e ContentEnvelope) Content() (Content, error) {
	switch e.Kind {
	case ChannelEmail:
		if e.Email != nil {
			return *e.Email, nil
		}
	case ChannelSMS:
		if e.SMS != nil {
			return *e.SMS, nil
		}
	case ChannelPush:
		if e.Push != nil {
			return *e.Push, nil
		}
	case ChannelInApp:
		if e.InApp != nil {
			return *e.InApp, nil
		}
	default:
		return nil, fmt.Errorf("unknown content kind %q", e.Kind)
	}
	return nil, fmt.Errorf("content kind %q has no %s payload", e.Kind, e.Kind)
}
