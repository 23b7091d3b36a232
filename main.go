package main

import "github.com/mtsev/senko/cmd"

func main() {
	cmd.Execute()
}
