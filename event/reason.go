package event

// DiscardReason represents why an item was discarded before delivery
type DiscardReason string

const (
	// ReasonQueueOverflow indicates the event queue was full
	ReasonQueueOverflow DiscardReason = "queue_overflow"

	// ReasonRateLimitBackoff indicates the category is rate limited by the server
	ReasonRateLimitBackoff DiscardReason = "ratelimit_backoff"

	// ReasonBeforeSend indicates the item was dropped by a BeforeSend callback
	ReasonBeforeSend DiscardReason = "before_send"

	// ReasonEventProcessor indicates the item was dropped by an event processor
	ReasonEventProcessor DiscardReason = "event_processor"

	// ReasonSampleRate indicates the item was dropped due to sampling
	ReasonSampleRate DiscardReason = "sample_rate"

	// ReasonNetworkError indicates delivery failed after all retry attempts
	ReasonNetworkError DiscardReason = "network_error"

	// ReasonSendError indicates the server rejected the item permanently (4xx)
	ReasonSendError DiscardReason = "send_error"

	// ReasonInternalError indicates an internal SDK error, e.g. serialization
	ReasonInternalError DiscardReason = "internal_sdk_error"
)

// Category is the data category used by rate limits and client reports
type Category string

const (
	CategoryError       Category = "error"
	CategoryTransaction Category = "transaction"
	CategoryAttachment  Category = "attachment"
	CategorySession     Category = "session"
	CategoryLog         Category = "log_item"
	CategoryDefault     Category = "default"
)

// CategoryOf returns the data category of ev
func CategoryOf(ev *Event) Category {
	if ev != nil && ev.IsTransaction() {
		return CategoryTransaction
	}
	return CategoryError
}
