package notification

import (
	"sort"
	"time"
)

// TableSuffix is appended to an entity type to name its storage table.
const TableSuffix = "_data"

// Envelope is one NGSI-LD notification as delivered by the broker.
type Envelope struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	SubscriptionID string    `json:"subscriptionId"`
	NotifiedAt     time.Time `json:"notifiedAt"`
	ReceivedAt     time.Time `json:"-"`
	Updates        []Update  `json:"-"`
}

// Update is the state snapshot of one entity carried by an envelope.
type Update struct {
	ID         string              `json:"id"`
	Type       string              `json:"type"` // lower-cased
	Attributes map[string]*float64 `json:"attributes"`
	ObservedAt time.Time           `json:"observed_at"`
	ReceivedAt time.Time           `json:"-"`
}

// Table returns the name of the table this update is persisted to.
func (u Update) Table() string {
	return TableName(u.Type)
}

// Present returns the names of attributes carrying a value, sorted.
func (u Update) Present() []string {
	out := make([]string, 0, len(u.Attributes))
	for name, v := range u.Attributes {
		if v != nil {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// TableName derives the storage table for an entity type.
func TableName(entityType string) string {
	return NormalizeType(entityType) + TableSuffix
}
