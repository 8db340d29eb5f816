//go:build !opencl || !cgo

package device

func init() {
	Register("opencl", 16, func(Spec) (Backend, error) {
		return nil, ErrUnavailable
	})
}
