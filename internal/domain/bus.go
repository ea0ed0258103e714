package domain

// MessageBus routes events between channels and the relay engine.
type MessageBus interface {
	Publish(ev Event)
	Subscribe() <-chan Event
	SendOutbound(msg OutboundMessage)
	OnOutbound(channelName string, handler func(OutboundMessage))
	Close()
}
