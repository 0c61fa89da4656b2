package raft

import (
	"fmt"

	"github.com/cubefs/cubefs/blobstore/util/log"
	"go.etcd.io/etcd/raft/v3"
)

// raftLogger routes etcd raft logs into the blobstore logger.
type raftLogger struct{}

var _ raft.Logger = raftLogger{}

func (raftLogger) Debug(v ...interface{})                   { log.Debug(v...) }
func (raftLogger) Debugf(format string, v ...interface{})   { log.Debugf(format, v...) }
func (raftLogger) Info(v ...interface{})                    { log.Info(v...) }
func (raftLogger) Infof(format string, v ...interface{})    { log.Infof(format, v...) }
func (raftLogger) Warning(v ...interface{})                 { log.Warn(v...) }
func (raftLogger) Warningf(format string, v ...interface{}) { log.Warnf(format, v...) }
func (raftLogger) Error(v ...interface{})                   { log.Error(v...) }
func (raftLogger) Errorf(format string, v ...interface{})   { log.Errorf(format, v...) }
func (raftLogger) Fatal(v ...interface{})                   { log.Fatal(v...) }
func (raftLogger) Fatalf(format string, v ...interface{})   { log.Fatalf(format, v...) }

func (raftLogger) Panic(v ...interface{}) {
	s := fmt.Sprint(v...)
	log.Error(s)
	panic(s)
}

func (raftLogger) Panicf(format string, v ...interface{}) {
	s := fmt.Sprintf(format, v...)
	log.Error(s)
	panic(s)
}
