package main

import "github.com/pkujhd/kpac/cmd/kpac/cmd"

func main() {
	cmd.Execute()
}
