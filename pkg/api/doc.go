// Package api defines the types shared by every layer of the PTC gateway:
// the error taxonomy, the session state machine, and identifier formats.
//
// The package performs no I/O. Errors are [*APIError] values carrying an
// [ErrorType]; the transport layer maps each type to an HTTP status code.
//
// Session lifecycle:
//
//	Active -> Executing -> WaitingForToolResults -> Executing -> ... -> Completed
//	                                                                  | Expired
//	                                                                  | Failed
package api
