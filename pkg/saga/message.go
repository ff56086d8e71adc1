package saga

// MessageType identifies a command or event on the bus.
type MessageType string

// String returns the type name.
func (t MessageType) String() string {
	return string(t)
}

// Message is a typed command or event belonging to one workflow run.
type Message interface {
	CorrelationID() string
	MessageType() MessageType
}
