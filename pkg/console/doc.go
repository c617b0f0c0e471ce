// Package console provides an interactive shell and an echo task on top of
// a uart.Channel.
package console
