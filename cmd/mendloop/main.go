package main

import (
	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{Use: "mendloop"}

	root.AddCommand(serveCMD(), migrateCMD(), purgeCMD(), sweepCMD())
	_ = root.Execute()
}
