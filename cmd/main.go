package main

import (
	"github.com/dataengineering/salestream/cmd/commands"
)

func main() {
	commands.Execute()
}
