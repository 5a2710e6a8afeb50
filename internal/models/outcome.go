package models

// OutcomeKind classifies a single send attempt.
type OutcomeKind string

const (
	OutcomeDelivered OutcomeKind = "delivered"
	OutcomeTransient OutcomeKind = "transient_failure"
	OutcomePermanent OutcomeKind = "permanent_failure"
)

// SendResult is what a channel sender or the webhook engine reports back.
type SendResult struct {
	Outcome           OutcomeKind
	Reason            string
	ProviderMessageID string
	Metadata          map[string]string
}

func Delivered(providerMessageID string, meta map[string]string) SendResult {
	return SendResult{Outcome: OutcomeDelivered, ProviderMessageID: providerMessageID, Metadata: meta}
}

func TransientFailure(reason string) SendResult {
	return SendResult{Outcome: OutcomeTransient, Reason: reason}
}

func PermanentFailure(reason string) SendResult {
	return SendResult{Outcome: OutcomePermanent, Reason: reason}
}
