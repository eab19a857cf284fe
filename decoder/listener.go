package decoder

import (
	"unsafe"

	pointer "github.com/mattn/go-pointer"
)

type listenerBinding struct {
	reader   ImageReader
	listener ImageListener
}

// RegisterImageListener keeps listener alive and returns a token that a backend
// can hand to native code as callback user data. Native image-available
// callbacks resolve the token with DispatchImageAvailable.
func RegisterImageListener(reader ImageReader, listener ImageListener) unsafe.Pointer {
	return pointer.Save(&listenerBinding{reader: reader, listener: listener})
}

// DispatchImageAvailable invokes the listener registered under token. It
// returns false when the token is unknown or already unregistered.
func DispatchImageAvailable(token unsafe.Pointer) bool {
	binding, ok := pointer.Restore(token).(*listenerBinding)
	if !ok || binding == nil {
		return false
	}
	binding.listener(binding.reader)
	return true
}

// UnregisterImageListener releases a token returned by RegisterImageListener.
func UnregisterImageListener(token unsafe.Pointer) {
	if token != nil {
		pointer.Unref(token)
	}
}
