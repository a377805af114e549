package main

import "datasync/cmd/client/cmd"

func main() {
	cmd.Execute()
}
