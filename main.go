package main

import "github.com/ValentinKolb/dRT/cmd"

func main() {
	cmd.Execute()
}
