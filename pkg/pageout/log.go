// Copyright 2021 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pageout

import (
	"fmt"
	stdlog "log"
)

// Logger is the small logging surface the pageout core uses. Panicf is the
// literal vehicle for the deadman's intentional crash (§7 of the spec).
type Logger interface {
	Debugf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
	Panicf(format string, v ...interface{})
}

type logger struct {
	*stdlog.Logger
}

const logPrefix = "pageout "

var log Logger = &logger{Logger: nil}
var logDebugMessages = false

// SetLogger installs l as the destination for all pageout log output.
func SetLogger(l *stdlog.Logger) {
	log = NewLoggerWrapper(l)
}

// SetLogDebug toggles whether Debugf messages are emitted.
func SetLogDebug(debug bool) {
	logDebugMessages = debug
}

// NewLoggerWrapper wraps a standard library logger as a Logger.
func NewLoggerWrapper(l *stdlog.Logger) Logger {
	return &logger{Logger: l}
}

// GetLogger returns the currently installed Logger, for packages outside
// pageout (e.g. a Host implementation) that want to log through the same
// sink without importing the standard library logger directly.
func GetLogger() Logger { return log }

func (l *logger) Debugf(format string, v ...interface{}) {
	if l.Logger != nil && logDebugMessages {
		l.Logger.Printf("DEBUG: "+logPrefix+format, v...)
	}
}

func (l *logger) Infof(format string, v ...interface{}) {
	if l.Logger != nil {
		l.Logger.Printf("INFO: "+logPrefix+format, v...)
	}
}

func (l *logger) Warnf(format string, v ...interface{}) {
	if l.Logger != nil {
		l.Logger.Printf("WARN: "+logPrefix+format, v...)
	}
}

func (l *logger) Errorf(format string, v ...interface{}) {
	if l.Logger != nil {
		l.Logger.Printf("ERROR: "+logPrefix+format, v...)
	}
}

func (l *logger) Panicf(format string, v ...interface{}) {
	if l.Logger != nil {
		l.Logger.Panicf(logPrefix+format, v...)
	}
	// No logger installed: still crash loudly, e.g. in a test that never
	// called SetLogger.
	panic(fmt.Sprintf(logPrefix+format, v...))
}
