package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"Trillium-WSR/configuration"
	"Trillium-WSR/loopback"
	"Trillium-WSR/utils"
	"Trillium-WSR/wsrep"
)

var isDebug = false
var configFile = ""

func main() {
	parseArgs()

	config := configuration.NewFileConfiguration(configFile)
	utils.ConfigLogger(isDebug, config.GetWorkingDir())

	server := wsrep.NewServerState(nodeService{}, wsrep.ServerConfig{
		Name:               config.GetServerName(),
		ID:                 config.GetServerId(),
		IncomingAddress:    config.GetIncomingAddress(),
		Address:            config.GetGroupAddress(),
		WorkingDir:         config.GetWorkingDir(),
		InitialPosition:    config.GetInitialPosition(),
		MaxProtocolVersion: config.GetMaxProtocolVersion(),
		RollbackMode:       config.GetRollbackMode(),
	})
	server.SetDebugLogLevel(config.GetDebugLogLevel())

	if err := server.LoadProvider(
		config.GetProviderName(), config.GetProviderOptions()); err != nil {
		logrus.Fatalf("cannot load provider: %v", err)
	}

	server.Initialized()
	if server.Connect(
		config.GetClusterName(),
		config.GetGroupAddress(),
		"",
		config.GetBootstrap()) != 0 {
		logrus.Fatal("cannot connect to the cluster")
	}

	provider, ok := server.Provider().(*loopback.Provider)
	if !ok {
		logrus.Fatalf("provider %v is not a loopback provider",
			config.GetProviderName())
	}
	if server.State() == wsrep.ServerJoiner {
		server.SstReceived(provider.SstBypass(), 0)
	}
	provider.Sync()
	server.WaitUntilState(wsrep.ServerSynced)
	logrus.Infof("node %v synced at %v",
		config.GetServerName(), server.LastCommittedGtid())

	runDemoSession(server, config)

	for _, v := range server.Status() {
		logrus.Infof("status %v = %v", v.Name, v.Value)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	server.Disconnect()
	server.WaitUntilState(wsrep.ServerDisconnected)
	server.UnloadProvider()
}

// runDemoSession executes one autocommit transaction through the full
// command cycle to exercise the session plumbing.
func runDemoSession(server *wsrep.ServerState, config configuration.Configuration) {
	service := &sessionService{autocommit: true}
	client := wsrep.NewClientState(server, service, wsrep.ModeReplicating)
	service.client = client

	client.Open(1)
	defer func() {
		client.Close()
		client.Cleanup()
	}()

	if config.GetFragmentSize() > 0 {
		client.EnableStreaming(config.GetFragmentUnit(), config.GetFragmentSize())
	}

	if client.BeforeCommand() != 0 {
		logrus.Warn("demo session refused to start a command")
		return
	}
	txn := client.Transaction()
	txn.Start(1)
	txn.AppendData([]byte("demo write set"))
	if txn.BeforeCommit() == 0 {
		txn.OrderedCommit()
		txn.AfterCommit()
	}
	result := client.AfterStatement()
	client.AfterCommandBeforeResult()
	client.AfterCommandAfterResult()
	logrus.Infof("demo transaction finished: %v, last committed %v",
		result, server.LastCommittedGtid())
}

func parseArgs() {
	flag.BoolVar(
		&isDebug,
		"d",
		false,
		"debug mode",
	)

	flag.StringVar(
		&configFile,
		"c",
		"",
		"node configuration file",
	)

	flag.Parse()

	if configFile == "" {
		flag.Usage()
		logrus.Fatal("Invalid configuration file.")
	}
}
