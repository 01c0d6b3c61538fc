// Package pipeline moves inbound webhook calls through the gateway.
//
// # Lifecycle
//
// Every accepted call is recorded as a raw event before the caller gets its
// answer. Processing then happens on the worker pool, detached from the
// request:
//
//	received
//	  -> load the endpoint's extension functions
//	  -> filter_query          (false: filtered_out)
//	  -> transform_query
//	  -> deliver               (answered: delivered, otherwise delivery_failed)
//
// Any error on the way ends the event as processing_error. Each raw event
// ends in exactly one transformed event in the audit log.
package pipeline
