package domain

import "time"

// Kind is a monitored content kind.
type Kind string

const (
	KindPost  Kind = "post"
	KindVideo Kind = "video"
)

// MonitoredAccount is one watched Bilibili account, taken from the
// config snapshot. Immutable for the lifetime of the process.
type MonitoredAccount struct {
	ID          string
	DisplayName string
	Enabled     bool
	Kinds       []Kind
}

// ContentItem is a single post or video pulled from the upstream API.
// It lives for one detection cycle only.
type ContentItem struct {
	ItemID          string
	AccountID       string
	Kind            Kind
	CreatedAt       time.Time
	Title           string
	Body            string
	URL             string
	IsPinned        bool
	IsRepostOfOther bool
}

// ProbeResult is the compact change signature returned by the cheap
// per-account probe. Two equal signatures mean no new content since
// the previous probe.
type ProbeResult struct {
	Signature string
}

// Stats is a snapshot of the delivery ledger, for the stats command
// and the hourly stats log line.
type Stats struct {
	TotalDelivered int64
	DeliveredToday int64
	AccountCount   int64
	LatestDelivery time.Time
}

// AccountItems groups one cycle's surviving items for a single account,
// already sorted by ascending publish time.
type AccountItems struct {
	Account MonitoredAccount
	Items   []ContentItem
}
