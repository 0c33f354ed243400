package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/mirastream/mirastream-sender/pkg/config"
	"github.com/mirastream/mirastream-sender/pkg/logger"
	"github.com/mirastream/mirastream-sender/pkg/service"
	"github.com/mirastream/mirastream-sender/version"
)

var baseFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "config in YAML, typically passed in as an environment var in a container",
		EnvVars: []string{"MIRASTREAM_CONFIG"},
	},
	&cli.StringFlag{
		Name:  "client-ip",
		Usage: "IP address of the receiver",
	},
	&cli.IntFlag{
		Name:  "rtp-port",
		Usage: "receiver RTP port",
	},
	&cli.IntFlag{
		Name:  "rtcp-port",
		Usage: "receiver RTCP port, -1 to disable RTCP",
	},
	&cli.StringFlag{
		Name:  "mode",
		Usage: "transport mode: udp, tcp or tcp-interleaved",
	},
	&cli.StringFlag{
		Name:  "input",
		Usage: "path to MPEG transport stream file to send",
	},
	// debugging flags
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "sets log-level to debug and console formatter. insecure for production",
	},
	&cli.BoolFlag{
		Name:   "disable-strict-config",
		Usage:  "disables strict config parsing",
		Hidden: true,
	},
}

func main() {
	app := &cli.App{
		Name:        "mirastream-sender",
		Usage:       "MPEG transport stream over RTP sender",
		Description: "run without subcommands to start the sender",
		Flags:       baseFlags,
		Action:      startSender,
		Version:     version.Version,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func getConfig(c *cli.Context) (*config.Config, error) {
	confString, err := getConfigString(c.String("config"), c.String("config-body"))
	if err != nil {
		return nil, err
	}

	strictMode := true
	if c.Bool("disable-strict-config") {
		strictMode = false
	}

	conf, err := config.NewConfig(confString, strictMode, c)
	if err != nil {
		return nil, err
	}
	logger.InitFromConfig(conf.Logging, conf.Development)

	return conf, nil
}

func startSender(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	server, err := service.NewServer(conf, logger.GetLogger())
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		sig := <-sigChan
		logger.Infow("exit requested, shutting down", "signal", sig)
		server.Stop()
	}()

	return server.Run()
}

func getConfigString(configFile string, inConfigBody string) (string, error) {
	if inConfigBody != "" || configFile == "" {
		return inConfigBody, nil
	}

	outConfigBody, err := os.ReadFile(configFile)
	if err != nil {
		return "", err
	}

	return string(outConfigBody), nil
}
