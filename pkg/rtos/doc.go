// Package rtos provides the task and synchronization primitives the UART
// transport is written against: a binary semaphore with a blocking guard for
// task context and a non-blocking guard for interrupt context, coalesced task
// notifications, completion signals and task groups.
package rtos
