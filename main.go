package main

import "github.com/Siddhant-K-code/topicshift/cmd"

func main() {
	cmd.Execute()
}
