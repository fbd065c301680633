package domain

import "fmt"

// Task represents a single code submission travelling through the cluster.
// It carries the Code and Language payload, along with where the outcome must go.
type Task struct {
	ID       string `json:"id"`
	Code     string `json:"code"`
	Language string `json:"language"`

	// ReplyTo is the wire address of the requester (the gateway's reply channel).
	ReplyTo string `json:"reply_to"`

	// RawID is the internal Stream ID from Redis (e.g. 1700000-0).
	// The pool needs it to Acknowledge the message once the outcome is sent.
	RawID string `json:"-"`

	// Reply is where the worker sends the outcome inside a node.
	// It is send-only so a worker can never read another requester's reply.
	Reply chan<- Outcome `json:"-"`
}

// Status is the discriminator of the Outcome sum type.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// FailureKind classifies why a task failed.
type FailureKind string

const (
	FailureUnsupportedLanguage   FailureKind = "unsupported_language"
	FailureStaging               FailureKind = "staging_failure"
	FailureSandboxTimeout        FailureKind = "sandbox_timeout"
	FailureSandboxMemoryExceeded FailureKind = "sandbox_memory_exceeded"
	FailureSandboxLaunch         FailureKind = "sandbox_launch_failure"
	FailureOutputTooLarge        FailureKind = "output_too_large"
	FailureDispatchTimeout       FailureKind = "dispatch_timeout"
	FailurePoolSaturated         FailureKind = "pool_saturated"
	FailureInternal              FailureKind = "internal"
)

// Human-readable reasons for the sandbox failure kinds.
const (
	ReasonTimeout        = "exceeded timeout"
	ReasonMemoryExceeded = "exceeded memory usage"
	ReasonOutputTooLarge = "output too large"
)

// Outcome is the result of a task: either Succeeded with captured output,
// or Failed with a reason. It is consumed exactly once by the requester.
type Outcome struct {
	TaskID string      `json:"task_id"`
	Status Status      `json:"status"`
	Output string      `json:"output,omitempty"`
	Kind   FailureKind `json:"kind,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// Succeeded builds a successful outcome carrying the program output.
func Succeeded(output string) Outcome {
	return Outcome{Status: StatusSucceeded, Output: output}
}

// Failed builds a failed outcome.
func Failed(kind FailureKind, reason string) Outcome {
	return Outcome{Status: StatusFailed, Kind: kind, Reason: reason}
}

// UnsupportedLanguage is the outcome a worker answers for an unknown language id.
func UnsupportedLanguage(language string) Outcome {
	return Failed(FailureUnsupportedLanguage, fmt.Sprintf("unsupported language: %s", language))
}

// OK reports whether the outcome succeeded.
func (o Outcome) OK() bool {
	return o.Status == StatusSucceeded
}

// For stamps the outcome with the id of the task it answers.
func (o Outcome) For(taskID string) Outcome {
	o.TaskID = taskID
	return o
}
