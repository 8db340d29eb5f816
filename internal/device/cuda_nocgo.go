//go:build !cuda || !cgo

package device

func init() {
	Register("cuda", 64, func(Spec) (Backend, error) {
		return nil, ErrUnavailable
	})
}
