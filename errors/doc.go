// Package errors implements classified error handling shared by every
// SensorGate component.
//
// Errors fall into three classes: transient (retryable collaborator
// failures), invalid (bad input, rejected synchronously), and fatal
// (misconfiguration that should stop the process). Components wrap errors
// at their boundary with WrapTransient, WrapInvalid or WrapFatal and callers
// branch on IsTransient / IsInvalid / IsFatal rather than string matching.
package errors
