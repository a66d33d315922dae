//go:build (amd64 || arm64) && !jsonx_std

package job

import (
	"reflect"

	"github.com/bytedance/sonic"
)

// init pretouches sonic's codegen for the bitcoind RPC request/response
// shapes, so the first getblocktemplate round-trip doesn't pay for runtime
// codegen.
func init() {
	_ = sonic.Pretouch(reflect.TypeOf(rpcRequest{}))
	_ = sonic.Pretouch(reflect.TypeOf(rpcResponse{}))
	_ = sonic.Pretouch(reflect.TypeOf(rpcError{}))
}
