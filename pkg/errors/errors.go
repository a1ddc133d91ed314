// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package errors is the kernel core's error taxonomy. Every public entry
// point across the scheduler, IPC, service registry, and observability
// core returns errors from this package by value; none of them are fatal
// to the kernel (see spec §4.2, §7).
package errors

import (
	stdliberrors "errors"
)

var (
	ErrUnsupported = stdliberrors.ErrUnsupported

	As     = stdliberrors.As
	Is     = stdliberrors.Is
	Join   = stdliberrors.Join
	New    = stdliberrors.New
	Unwrap = stdliberrors.Unwrap
)

func NewRetryable(text string) RetryableError {
	return &retryableError{text}
}

func Retryable(err error) bool {
	var rerr RetryableError
	return As(err, &rerr)
}

type RetryableError interface {
	error
	Retryable()
}

type retryableError struct {
	text string
}

func (r *retryableError) Error() string {
	return r.text
}

func (r *retryableError) Retryable() {}

// Scheduler errors.
var (
	ErrThreadNotFound  = stdliberrors.New("kernel: thread not found")
	ErrOutOfResources  = stdliberrors.New("kernel: thread id space exhausted")
	ErrInvalidThread   = stdliberrors.New("kernel: invalid or terminated thread")
	ErrThreadTerminated = stdliberrors.New("kernel: thread already terminated")
)

// IPC errors (spec §4.2 "Error taxonomy"). QueueFull, WouldBlock, and
// Timeout are retryable: the caller's recovery is to retry or poll again.
var (
	ErrChannelNotFound     = stdliberrors.New("ipc: channel not found")
	ErrChannelClosed       = stdliberrors.New("ipc: channel closed")
	ErrSemaphoreNotFound   = stdliberrors.New("ipc: semaphore not found")
	ErrSharedMemoryNotFound = stdliberrors.New("ipc: shared memory region not found")
	ErrPermissionDenied    = stdliberrors.New("ipc: permission denied")
	ErrInvalidOperation    = stdliberrors.New("ipc: invalid operation")
	ErrMessageTooLarge     = stdliberrors.New("ipc: message too large")
	ErrInvalidMessageType  = stdliberrors.New("ipc: invalid message type for channel discipline")

	ErrQueueFull  = NewRetryable("ipc: queue full")
	ErrWouldBlock = NewRetryable("ipc: would block")
	ErrTimeout    = NewRetryable("ipc: timed out")
)

// Service registry errors.
var (
	ErrAlreadyRegistered = stdliberrors.New("registry: service kind already registered")
	ErrServiceNotFound   = stdliberrors.New("registry: service kind not registered")
	ErrEndpointNotSet    = stdliberrors.New("registry: no endpoint set for service kind")
)

// Observability errors.
var (
	ErrAlreadyExists  = stdliberrors.New("observability: watchdog already registered for subsystem")
	ErrWatchdogNotFound = stdliberrors.New("observability: watchdog not found")
	ErrTraceNotFound  = stdliberrors.New("observability: trace not found")
	ErrSpanNotFound   = stdliberrors.New("observability: span not found")
	ErrResourceExhausted = stdliberrors.New("observability: per-trace or per-span resource limit reached")
)
