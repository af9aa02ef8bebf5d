package main

import (
	"os"
	"runtime/debug"

	"chaindb/cmd"
	"chaindb/logx"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			_ = logx.Errorf("CHAINDB CRASHED: %v\n%s", r, debug.Stack())
			os.Exit(1)
		}
	}()

	cmd.Execute()
}
