package domain

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// RawEvent is an inbound webhook call exactly as it was received.
type RawEvent struct {
	ID        string         `json:"id" db:"id"`
	Timestamp time.Time      `json:"timestamp" db:"timestamp"`
	Path      string         `json:"source_path" db:"source_path"`
	Payload   types.JSONText `json:"payload" db:"payload"`
}

// Outcome is the terminal state of processing one raw event.
type Outcome string

const (
	OutcomeFilteredOut     Outcome = "filtered_out"
	OutcomeDelivered       Outcome = "delivered"
	OutcomeDeliveryFailed  Outcome = "delivery_failed"
	OutcomeProcessingError Outcome = "processing_error"
)

// FilteredOutBody is recorded as the response body of a filtered event.
const FilteredOutBody = "Filtered out by filter_query"

// TransformedEvent records the outcome of one processing attempt.
type TransformedEvent struct {
	ID             string         `json:"id" db:"id"`
	RawEventID     string         `json:"raw_event_id" db:"raw_event_id"`
	EndpointID     string         `json:"webhook_id" db:"webhook_id"`
	Timestamp      time.Time      `json:"timestamp" db:"timestamp"`
	Payload        types.JSONText `json:"payload" db:"transformed_payload"`
	DestinationURL string         `json:"destination_url" db:"destination_url"`
	Success        bool           `json:"success" db:"success"`
	ResponseCode   *int           `json:"response_code" db:"response_code"`
	ResponseBody   *string        `json:"response_body" db:"response_body"`
}

// ReferenceTable is the metadata of an operator-uploaded lookup relation.
type ReferenceTable struct {
	ID          string    `json:"id" db:"id"`
	EndpointID  string    `json:"webhook_id" db:"webhook_id"`
	Name        string    `json:"table_name" db:"table_name"`
	StorageName string    `json:"storage_name" db:"storage_name"`
	Description string    `json:"description" db:"description"`
	RowCount    int64     `json:"row_count" db:"row_count"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// ReferenceStorageName is the engine name of an endpoint's reference relation.
func ReferenceStorageName(endpointID, name string) string {
	return "ref_" + Sanitize(endpointID) + "_" + Sanitize(name)
}

// ExtensionFunction is an operator-supplied scalar function bound to an
// endpoint.
type ExtensionFunction struct {
	ID         string    `json:"id" db:"id"`
	EndpointID string    `json:"webhook_id" db:"webhook_id"`
	Name       string    `json:"name" db:"function_name"`
	EngineName string    `json:"engine_function_name" db:"engine_name"`
	Source     string    `json:"code" db:"source"`
	ReturnType string    `json:"return_type" db:"return_type"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// ExtensionEngineName is the engine-visible name of an endpoint's function.
func ExtensionEngineName(endpointID, name string) string {
	return "udf_" + Sanitize(endpointID) + "_" + name
}

// EndpointSuccessRate aggregates delivery outcomes of one endpoint.
type EndpointSuccessRate struct {
	EndpointID   string  `json:"webhook_id" db:"webhook_id"`
	TotalEvents  int64   `json:"total_events" db:"total_events"`
	SuccessCount int64   `json:"success_count" db:"success_count"`
	SuccessRate  float64 `json:"success_rate" db:"success_rate"`
}

// Stats is the aggregate view served on /stats.
type Stats struct {
	EndpointCount         int64                 `json:"webhook_count"`
	RawEventCount         int64                 `json:"raw_event_count"`
	TransformedEventCount int64                 `json:"transformed_event_count"`
	SuccessRates          []EndpointSuccessRate `json:"webhook_success_rates"`
}

// EventSummary is a raw event joined with its outcome, if any.
type EventSummary struct {
	ID           string    `json:"id" db:"id"`
	Timestamp    time.Time `json:"timestamp" db:"timestamp"`
	Path         string    `json:"source_path" db:"source_path"`
	Success      *bool     `json:"success" db:"success"`
	ResponseCode *int      `json:"response_code" db:"response_code"`
}

// EventDetail pairs a raw event with its transformed record.
type EventDetail struct {
	ID          string            `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	Path        string            `json:"source_path"`
	RawPayload  types.JSONText    `json:"raw_payload"`
	Transformed *TransformedEvent `json:"transformed"`
}
