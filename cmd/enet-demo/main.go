// Command enet-demo runs a small echo node or client on top of the
// enet-go networking layer.
package main

import "github.com/riyuzenn/enet-go/cmd/enet-demo/cmd"

func main() {
	cmd.Execute()
}
