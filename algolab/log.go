package algolab

import (
	"log"
	"os"
)

// Logger is the logging sink used by the request client and auth
// coordinator. No call site may pass a credential, token, hash, or SMS code
// as a format argument (I4).
type Logger interface {
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
}

type stdLog struct {
	logger *log.Logger
}

var _ Logger = (*stdLog)(nil)

func (s *stdLog) Infof(format string, v ...interface{})  { s.logger.Printf("INFO  "+format, v...) }
func (s *stdLog) Warnf(format string, v ...interface{})  { s.logger.Printf("WARN  "+format, v...) }
func (s *stdLog) Errorf(format string, v ...interface{}) { s.logger.Printf("ERROR "+format, v...) }

func newStdLog() Logger {
	return &stdLog{logger: log.New(os.Stderr, "algolab: ", log.LstdFlags)}
}
