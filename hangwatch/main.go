// Command hangwatch runs and inspects monitoring sessions.
package main

import "github.com/sarchlab/hangwatch/hangwatch/cmd"

func main() {
	cmd.Execute()
}
