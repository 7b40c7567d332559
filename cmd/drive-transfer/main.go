package main

import (
	"go-drive-transfer/cmd/drive-transfer/cmd"
)

func main() {
	cmd.Execute()
}
