package main

import (
	"github.com/gammadia/spotforge/cli/log"
	"github.com/gammadia/spotforge/cli/ui"
)

// step shows a spinner around fn unless logs already report the progress.
func step(msg string, fn func() error) error {
	if !log.Quiet() {
		return fn()
	}
	return ui.Step(msg, fn)
}
