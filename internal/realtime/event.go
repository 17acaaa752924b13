package realtime

import "time"

// Operation names the kind of row change carried by a ChangeEvent.
type Operation string

const (
	OperationInsert Operation = "insert"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

const (
	TableOrders       = "orders"
	TableMessages     = "messages"
	TableJobResponses = "job_responses"
)

// Row is the closed set of row shapes a change event can carry.
type Row interface {
	Table() string
	Field(column string) (string, bool)
	isRow()
}

// OrderRow mirrors the order columns subscribers filter on.
type OrderRow struct {
	ID         string
	ClientID   string
	ProviderID string
	Status     string
}

func (OrderRow) Table() string { return TableOrders }

func (r OrderRow) Field(column string) (string, bool) {
	switch column {
	case "id":
		return r.ID, true
	case "client_id":
		return r.ClientID, true
	case "provider_id":
		return r.ProviderID, true
	case "status":
		return r.Status, true
	default:
		return "", false
	}
}

func (OrderRow) isRow() {}

// MessageRow mirrors the message columns subscribers filter on.
type MessageRow struct {
	ID          string
	SenderID    string
	RecipientID string
}

func (MessageRow) Table() string { return TableMessages }

func (r MessageRow) Field(column string) (string, bool) {
	switch column {
	case "id":
		return r.ID, true
	case "sender_id":
		return r.SenderID, true
	case "recipient_id":
		return r.RecipientID, true
	default:
		return "", false
	}
}

func (MessageRow) isRow() {}

// OfferRow mirrors a job response; OwnerID is the owner of the job the offer targets.
type OfferRow struct {
	ID          string
	JobID       string
	OwnerID     string
	ResponderID string
	Status      string
}

func (OfferRow) Table() string { return TableJobResponses }

func (r OfferRow) Field(column string) (string, bool) {
	switch column {
	case "id":
		return r.ID, true
	case "job_id":
		return r.JobID, true
	case "owner_id":
		return r.OwnerID, true
	case "responder_id":
		return r.ResponderID, true
	case "status":
		return r.Status, true
	default:
		return "", false
	}
}

func (OfferRow) isRow() {}

// ChangeEvent signals that a row changed. New is nil for deletes and Old is nil for inserts.
type ChangeEvent struct {
	Operation  Operation
	Table      string
	New        Row
	Old        Row
	OccurredAt time.Time
}

// Insert builds an insert event for row.
func Insert(row Row, at time.Time) ChangeEvent {
	return ChangeEvent{Operation: OperationInsert, Table: row.Table(), New: row, OccurredAt: at}
}

// UpdateEvent builds an update event carrying both row images.
func UpdateEvent(oldRow, newRow Row, at time.Time) ChangeEvent {
	return ChangeEvent{Operation: OperationUpdate, Table: newRow.Table(), New: newRow, Old: oldRow, OccurredAt: at}
}

// Filter is an equality predicate on a single column of a table.
type Filter struct {
	Table  string
	Column string
	Value  string
}

// Matches reports whether either row image of event satisfies the filter.
func (f Filter) Matches(event ChangeEvent) bool {
	if f.Table == "" || event.Table != f.Table {
		return false
	}
	for _, row := range []Row{event.New, event.Old} {
		if row == nil {
			continue
		}
		if value, ok := row.Field(f.Column); ok && value == f.Value {
			return true
		}
	}
	return false
}

// ViewerFilters returns the predicates that make up a viewer's realtime scope.
func ViewerFilters(viewerID string) []Filter {
	return []Filter{
		{Table: TableOrders, Column: "provider_id", Value: viewerID},
		{Table: TableOrders, Column: "client_id", Value: viewerID},
		{Table: TableMessages, Column: "recipient_id", Value: viewerID},
		{Table: TableJobResponses, Column: "owner_id", Value: viewerID},
	}
}
