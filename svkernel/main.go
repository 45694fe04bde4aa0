// Command svkernel boots the modelled kernel and runs user programs on it.
package main

import "github.com/sarchlab/svkernel/svkernel/cmd"

func main() {
	cmd.Execute()
}
