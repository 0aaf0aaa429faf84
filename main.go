/*
Copyright © 2026 the-snesler
*/

package main

import (
	"github.com/spf13/cobra"
)

const (
	releaseVersion = "0.2.1"
)

func main() {
	cfg := &Config{}
	cmd := newCmd(cfg)
	cobra.OnInitialize(func() { setupLogging(cfg) })
	cobra.CheckErr(cmd.Execute())
}
