package headless

// RPCMethod names a method of Delve's JSON-RPC API v2.
// Documentation: https://pkg.go.dev/github.com/go-delve/delve/service/rpc2
type RPCMethod string

const (
	RPCCommand RPCMethod = "RPCServer.Command"
	RPCDetach  RPCMethod = "RPCServer.Detach"

	// Breakpoint methods
	RPCCreateBreakpoint RPCMethod = "RPCServer.CreateBreakpoint"
	RPCClearBreakpoint  RPCMethod = "RPCServer.ClearBreakpoint"

	// Symbol methods
	RPCFindLocation RPCMethod = "RPCServer.FindLocation"

	// Stack methods
	RPCStacktrace RPCMethod = "RPCServer.Stacktrace"

	// Variable methods
	RPCListLocalVars    RPCMethod = "RPCServer.ListLocalVars"
	RPCListFunctionArgs RPCMethod = "RPCServer.ListFunctionArgs"
)
