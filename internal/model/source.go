package model

// PacketSource delivers the number of matching packets seen since the previous call.
// Implementations reset their counter on every call.
type PacketSource interface {
	TakeAndResetCount() (uint32, error)
}
