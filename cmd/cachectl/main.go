// Command cachectl inspects and invalidates the parameter cache directly
// against its Redis store.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(defaultDeps()).Execute(); err != nil {
		os.Exit(1)
	}
}
