package transport

// Binding is an established connection to the elevated broker. It is created
// and destroyed by connection setup; calls only borrow it.
type Binding interface {
	// Endpoint names the broker the binding is connected to.
	Endpoint() string
}
