//go:build tools
// +build tools

// Package tools pins code generators (mockgen) as module dependencies so
// `go generate ./...` works on a fresh checkout.
package tools

import (
	_ "go.uber.org/mock/mockgen"
)
