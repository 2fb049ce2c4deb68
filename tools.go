//go:build tools
// +build tools

// Package tools pins the code generators run by go generate, so that
// go.mod and go.sum track them like any other dependency.
package room_relay

import (
	_ "go.uber.org/mock/mockgen"
)
