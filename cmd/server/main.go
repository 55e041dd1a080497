package main

import (
	"github.com/hoferino/manda-platform-sub010/internal/server"
	"github.com/hoferino/manda-platform-sub010/internal/util"
	"github.com/hoferino/manda-platform-sub010/pkg/logger"
	"github.com/hoferino/manda-platform-sub010/pkg/logger/console"
)

func main() {
	util.LoadEnv()

	debug := util.GetEnvBool("DEBUG", false)

	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug:  debug,
		Prefix: "server",
	})
	logger.Init(consoleLogger)

	server.Init()
}
