package main

import (
	"github.com/NoelleStern/Tappi-share/cmd"
	"github.com/NoelleStern/Tappi-share/internal/logging"
)

func main() {
	logging.Init()
	cmd.Execute()
}
