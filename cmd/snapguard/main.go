// Command snapguard protects directory trees against mass modification.
package main

import "github.com/snapguard/snapguard/internal/cli"

func main() {
	cli.Execute()
}
