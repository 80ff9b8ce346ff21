// dalg is a layered perfect-link / broadcast / lattice-agreement toolkit
// running over raw UDP datagrams.
package main

import (
	"fmt"
	"os"

	"github.com/relaystack/dalg/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
