package contracts

// DeliveryListener receives the terminal outcome of submitted messages.
// Each message produces exactly one of the two calls.
type DeliveryListener interface {
	OnDelivered(messageID string)
	OnFailed(messageID string, reason error)
}

// ListenerFuncs adapts plain functions to DeliveryListener. Nil fields are
// ignored.
type ListenerFuncs struct {
	Delivered func(messageID string)
	Failed    func(messageID string, reason error)
}

// OnDelivered implements DeliveryListener
func (l ListenerFuncs) OnDelivered(messageID string) {
	if l.Delivered != nil {
		l.Delivered(messageID)
	}
}

// OnFailed implements DeliveryListener
func (l ListenerFuncs) OnFailed(messageID string, reason error) {
	if l.Failed != nil {
		l.Failed(messageID, reason)
	}
}
