// main.go
package main

import (
	"github.com/xkilldash9x/wweb/cmd"
)

func main() {
	cmd.Execute()
}
