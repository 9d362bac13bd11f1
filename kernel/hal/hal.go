// Package hal defines the minimal boundary between the kernel core and the
// concrete diagnostic output device (VGA text console, serial port,
// framebuffer console, ...). Those devices are driver concerns and are out
// of scope for this package; hal only exposes the contract every early-boot
// printer needs plus a safe no-op default so the kernel always has
// somewhere to write before any real device is attached.
package hal

// Sink is the minimal byte-oriented destination for kernel diagnostic
// output. *bytes.Buffer satisfies this interface, which keeps unit tests
// free of any real device.
type Sink interface {
	WriteByte(byte) error
	Write([]byte) (int, error)
}

// ActiveSink is the currently attached diagnostic output device. It starts
// out as a discarding sink so that code running before device probing
// never has to nil-check it.
var ActiveSink Sink = nullSink{}

// SetActiveSink installs s as the destination for kernel diagnostic output.
// Passing nil is a no-op; callers that want to detach output should install
// an explicit discarding sink instead.
func SetActiveSink(s Sink) {
	if s == nil {
		return
	}
	ActiveSink = s
}

type nullSink struct{}

func (nullSink) WriteByte(byte) error        { return nil }
func (nullSink) Write(p []byte) (int, error) { return len(p), nil }
