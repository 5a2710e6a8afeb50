package models

// AnalyticsBucket aggregates delivery events per (tenant, channel, type, day).
// It is derived data and can always be rebuilt from the event log.
type AnalyticsBucket struct {
	TenantID  string  `json:"tenantId" db:"tenant_id"`
	Channel   Channel `json:"channel" db:"channel"`
	TypeCode  string  `json:"typeCode" db:"type_code"`
	Day       string  `json:"day" db:"day"`
	Sent      int64   `json:"sent" db:"sent"`
	Delivered int64   `json:"delivered" db:"delivered"`
	Failed    int64   `json:"failed" db:"failed"`
	Opened    int64   `json:"opened" db:"opened"`
	Clicked   int64   `json:"clicked" db:"clicked"`
}

// BucketKey identifies an AnalyticsBucket.
type BucketKey struct {
	TenantID string
	Channel  Channel
	TypeCode string
	Day      string
}

func (b *AnalyticsBucket) Key() BucketKey {
	return BucketKey{TenantID: b.TenantID, Channel: b.Channel, TypeCode: b.TypeCode, Day: b.Day}
}

// DeliveryRate is delivered over sent, zero when nothing was sent.
func (b *AnalyticsBucket) DeliveryRate() float64 {
	if b.Sent == 0 {
		return 0
	}
	return float64(b.Delivered) / float64(b.Sent)
}

// OpenRate is opened over delivered.
func (b *AnalyticsBucket) OpenRate() float64 {
	if b.Delivered == 0 {
		return 0
	}
	return float64(b.Opened) / float64(b.Delivered)
}

// ClickRate is clicked over delivered.
func (b *AnalyticsBucket) ClickRate() float64 {
	if b.Delivered == 0 {
		return 0
	}
	return float64(b.Clicked) / float64(b.Delivered)
}

// BucketDelta is the change one event applies to its bucket.
type BucketDelta struct {
	Sent, Delivered, Failed, Opened, Clicked int64
}

// Empty reports whether the delta changes nothing.
func (d BucketDelta) Empty() bool {
	return d == BucketDelta{}
}

// DeltaFor maps a delivery event to its bucket contribution.
func DeltaFor(ev *DeliveryEvent) BucketDelta {
	var d BucketDelta
	switch ev.Type {
	case EventOpened:
		d.Opened = 1
		return d
	case EventClicked:
		d.Clicked = 1
		return d
	}
	if ev.IsAttempt() {
		d.Sent = 1
	}
	switch ev.ToStatus {
	case StatusDelivered:
		d.Delivered = 1
	case StatusFailed, StatusDead:
		d.Failed = 1
	}
	return d
}

// Apply adds d to the bucket counts.
func (b *AnalyticsBucket) Apply(d BucketDelta) {
	b.Sent += d.Sent
	b.Delivered += d.Delivered
	b.Failed += d.Failed
	b.Opened += d.Opened
	b.Clicked += d.Clicked
}
