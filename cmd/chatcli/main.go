package main

import "realtime-chat/cmd/chatcli/cmd"

func main() {
	cmd.Execute()
}
