package domain

import "context"

// Invocation is one sandbox run: the interpreter command, the staged
// source file on the host, and the image that provides the interpreter.
type Invocation struct {
	TaskID   string
	Command  []string
	FilePath string
	Image    string
}

// Sandbox defines the contract for executing untrusted code in an isolated environment.
// Implementations enforce the wall-clock, CPU and memory limits themselves and never
// return an error: every failure is reported as a Failed outcome.
type Sandbox interface {
	Run(ctx context.Context, inv Invocation) Outcome
}
