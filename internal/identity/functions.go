// ABOUTME: The coarse permission functions gating operator API routes

package identity

// Function names checked by route guards. An identity's function list
// grants access by membership.
const (
	FunctionIdentityCreate    = "identity.create"
	FunctionIdentityGetAll    = "identity.get.all"
	FunctionIdentityUpdateAll = "identity.update.all"
	FunctionIdentityDeleteAll = "identity.delete.all"
	FunctionClientProvision   = "client.provision"
	FunctionClientGetAll      = "client.get.all"
	FunctionClientDeleteAll   = "client.delete.all"
	FunctionConnectionGetAll  = "connection.get.all"
	FunctionConnectionSend    = "connection.send"
)

// AllFunctions returns every known function name. The bootstrap admin gets
// the full list.
func AllFunctions() []string {
	return []string{
		FunctionIdentityCreate,
		FunctionIdentityGetAll,
		FunctionIdentityUpdateAll,
		FunctionIdentityDeleteAll,
		FunctionClientProvision,
		FunctionClientGetAll,
		FunctionClientDeleteAll,
		FunctionConnectionGetAll,
		FunctionConnectionSend,
	}
}
