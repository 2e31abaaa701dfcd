package main

import "os"

var (
	version = "dev"
	commit  = "none"
)

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}
