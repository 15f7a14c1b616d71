package main

import "research-notes-api/cmd/notesctl/cmd"

func main() {
	cmd.Execute()
}
