//go:build (amd64 || arm64) && !jsonx_std

package stratum

import (
	"reflect"

	"github.com/bytedance/sonic"
)

// init pretouches sonic's codegen for the wire types marshaled/unmarshaled
// on every Stratum message, so the first live submit doesn't pay for
// runtime codegen on the hot path.
func init() {
	_ = sonic.Pretouch(reflect.TypeOf(Request{}))
	_ = sonic.Pretouch(reflect.TypeOf(Response{}))
	_ = sonic.Pretouch(reflect.TypeOf(Notification{}))
}
