package event

// Hint carries capture-time data that is not part of the payload but is
// visible to event processors and before-send callbacks.
type Hint struct {
	// OriginalException is the value handed to the capture call
	OriginalException any
	// SyntheticException is set when the stack was generated by the SDK
	SyntheticException bool
	EventID            string
	Attachments        []*Attachment
	Data               map[string]any
}
