package utils

import (
	"os"
	"path/filepath"

	"github.com/rifflock/lfshook"
	log "github.com/sirupsen/logrus"
)

func ConfigLogger(isDebug bool, workingDir string) {
	log.SetFormatter(&log.JSONFormatter{})

	log.SetReportCaller(true)
	log.SetOutput(os.Stdout)

	log.SetLevel(log.WarnLevel)

	if isDebug {
		log.SetLevel(log.DebugLevel)
	}

	if workingDir != "" {
		logPath := filepath.Join(workingDir, "wsrep.log")
		pathMap := lfshook.PathMap{
			log.DebugLevel: logPath,
			log.InfoLevel:  logPath,
			log.WarnLevel:  logPath,
			log.ErrorLevel: logPath,
			log.FatalLevel: logPath,
			log.PanicLevel: logPath,
		}
		log.AddHook(lfshook.NewHook(pathMap, &log.JSONFormatter{}))
	}
}
