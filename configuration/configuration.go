package configuration

import (
	"encoding/json"
	"io/ioutil"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"Trillium-WSR/wsrep"
)

type Configuration interface {
	GetServerName() string
	GetServerId() wsrep.ID
	GetIncomingAddress() string
	GetGroupAddress() string
	GetClusterName() string
	GetWorkingDir() string
	GetInitialPosition() wsrep.GTID
	GetMaxProtocolVersion() int
	GetRollbackMode() wsrep.RollbackMode
	GetBootstrap() bool
	GetDebugLogLevel() int
	GetProviderName() string
	GetProviderOptions() string
	GetFragmentUnit() wsrep.FragmentUnit
	GetFragmentSize() int
}

type FileConfiguration struct {
	serverName         string
	serverId           wsrep.ID
	incomingAddress    string
	groupAddress       string
	clusterName        string
	workingDir         string
	initialPosition    wsrep.GTID
	maxProtocolVersion int
	rollbackMode       wsrep.RollbackMode
	bootstrap          bool
	debugLogLevel      int
	providerName       string
	providerOptions    string
	fragmentUnit       wsrep.FragmentUnit
	fragmentSize       int
}

func NewFileConfiguration(filePath string) *FileConfiguration {
	c := &FileConfiguration{}
	c.loadFile(filePath)
	return c
}

func (f *FileConfiguration) loadFile(configFilePath string) {
	data, err := ioutil.ReadFile(configFilePath)
	if err != nil {
		log.Fatalf("cannot read the configuration file: err %s", err)
	}
	config := make(map[string]interface{})
	err = json.Unmarshal(data, &config)
	if err != nil {
		log.Fatalf("cannot parse the json file: err %s", err)
	}
	f.loadServer(config["server"].(map[string]interface{}))
	f.loadCluster(config["cluster"].(map[string]interface{}))
	if streaming, ok := config["streaming"].(map[string]interface{}); ok {
		f.loadStreaming(streaming)
	} else {
		f.fragmentUnit = wsrep.FragmentBytes
		f.fragmentSize = 0
	}
}

func (f *FileConfiguration) loadServer(config map[string]interface{}) {
	f.serverName = config["name"].(string)
	id, err := wsrep.NewID(config["id"].(string))
	if err != nil {
		log.Fatalf("invalid server id: err %s", err)
	}
	f.serverId = id
	f.incomingAddress = config["incomingAddress"].(string)
	f.workingDir = config["workingDir"].(string)
	if level, ok := config["debugLogLevel"].(float64); ok {
		f.debugLogLevel = int(level)
	}
	mode, ok := config["rollbackMode"].(string)
	if !ok || mode == "async" {
		f.rollbackMode = wsrep.RollbackModeAsync
	} else if mode == "sync" {
		f.rollbackMode = wsrep.RollbackModeSync
	} else {
		log.Fatalf("rollback mode should be either sync or async: %v", mode)
	}
}

func (f *FileConfiguration) loadCluster(config map[string]interface{}) {
	f.clusterName = config["name"].(string)
	f.groupAddress = config["address"].(string)
	if b, ok := config["bootstrap"].(bool); ok {
		f.bootstrap = b
	}
	if v, ok := config["maxProtocolVersion"].(float64); ok {
		f.maxProtocolVersion = int(v)
	} else {
		f.maxProtocolVersion = 1
	}
	if pos, ok := config["initialPosition"].(string); ok {
		f.initialPosition = parseGtid(pos)
	} else {
		f.initialPosition = wsrep.GtidUndefined
	}
	if name, ok := config["provider"].(string); ok {
		f.providerName = name
	} else {
		f.providerName = "loopback"
	}
	if opts, ok := config["providerOptions"].(string); ok {
		f.providerOptions = opts
	}
}

func (f *FileConfiguration) loadStreaming(config map[string]interface{}) {
	unit, ok := config["unit"].(string)
	if !ok {
		unit = "bytes"
	}
	switch unit {
	case "bytes":
		f.fragmentUnit = wsrep.FragmentBytes
	case "rows":
		f.fragmentUnit = wsrep.FragmentRows
	case "statements":
		f.fragmentUnit = wsrep.FragmentStatements
	default:
		log.Fatalf("fragment unit should be bytes, rows or statements: %v", unit)
	}
	if size, ok := config["size"].(float64); ok {
		f.fragmentSize = int(size)
	}
}

func parseGtid(s string) wsrep.GTID {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		log.Fatalf("invalid gtid %v", s)
	}
	id, err := wsrep.NewID(s[:idx])
	if err != nil {
		log.Fatalf("invalid gtid uuid %v: err %s", s, err)
	}
	seqno, err := strconv.ParseInt(s[idx+1:], 10, 64)
	if err != nil {
		log.Fatalf("invalid gtid seqno %v: err %s", s, err)
	}
	return wsrep.NewGTID(id, wsrep.Seqno(seqno))
}

func (f *FileConfiguration) GetServerName() string {
	return f.serverName
}

func (f *FileConfiguration) GetServerId() wsrep.ID {
	return f.serverId
}

func (f *FileConfiguration) GetIncomingAddress() string {
	return f.incomingAddress
}

func (f *FileConfiguration) GetGroupAddress() string {
	return f.groupAddress
}

func (f *FileConfiguration) GetClusterName() string {
	return f.clusterName
}

func (f *FileConfiguration) GetWorkingDir() string {
	return f.workingDir
}

func (f *FileConfiguration) GetInitialPosition() wsrep.GTID {
	return f.initialPosition
}

func (f *FileConfiguration) GetMaxProtocolVersion() int {
	return f.maxProtocolVersion
}

func (f *FileConfiguration) GetRollbackMode() wsrep.RollbackMode {
	return f.rollbackMode
}

func (f *FileConfiguration) GetBootstrap() bool {
	return f.bootstrap
}

func (f *FileConfiguration) GetDebugLogLevel() int {
	return f.debugLogLevel
}

func (f *FileConfiguration) GetProviderName() string {
	return f.providerName
}

func (f *FileConfiguration) GetProviderOptions() string {
	return f.providerOptions
}

func (f *FileConfiguration) GetFragmentUnit() wsrep.FragmentUnit {
	return f.fragmentUnit
}

func (f *FileConfiguration) GetFragmentSize() int {
	return f.fragmentSize
}
