package main

import "github.com/andresmejia3/groove/cmd"

func main() {
	cmd.Execute()
}
