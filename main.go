package main

import "github.com/voipfinance/bridge-relayer/cmd"

func main() {
	cmd.Execute()
}
