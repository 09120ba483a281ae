// Command rompctl is the operator CLI for a rompd broker: check a broker
// with ping, publish with send, and tail a destination with subscribe.
package main

import "github.com/rompd/rompd/cmd/rompctl/cmd"

func main() {
	cmd.Execute()
}
