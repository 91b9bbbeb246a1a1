package main

import "go.gazette.dev/tilecache/cmd/tilecachectl/tilecachectlcmd"

func main() { tilecachectlcmd.Execute() }
