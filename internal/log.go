// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package internal holds the process-wide log of genelight. It writes to stdout and optionally tees into a file.
// Does not add prefixes, or force newlines.
package internal

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
)

// The optional additional file to log into
var logFile *bufio.Writer
var logFileOS *os.File
var logMutex sync.Mutex

// Enables logging to file, closing a previous log file if any
func LogAlsoToFile(fileName string) (err error) {
	logMutex.Lock()
	defer logMutex.Unlock()
	if logFile != nil {
		if err = logFile.Flush(); err != nil {
			return err
		}
		if err = logFileOS.Close(); err != nil {
			return err
		}
		logFile, logFileOS = nil, nil
	}
	f, err := os.OpenFile(fileName, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	logFileOS, logFile = f, bufio.NewWriter(f)
	return nil
}

type logWriter struct{}

// A writer for pipeline stages which logs to stdout and the log file, if any.
// Safe for concurrent use by parallel tile workers
var LogWriter io.Writer = logWriter{}

func (logWriter) Write(p []byte) (n int, err error) {
	logMutex.Lock()
	defer logMutex.Unlock()
	n, err = os.Stdout.Write(p)
	if err != nil || logFile == nil {
		return n, err
	}
	return logFile.Write(p)
}

func LogPrintf(format string, args ...interface{}) (n int, err error) {
	return fmt.Fprintf(LogWriter, format, args...)
}

func LogPrintln(args ...interface{}) (n int, err error) {
	return fmt.Fprintln(LogWriter, args...)
}

// Logs and exits with status 1, closing the log file
func LogFatalf(format string, args ...interface{}) {
	LogPrintf(format, args...)
	logMutex.Lock()
	if logFile != nil {
		logFile.Flush()
		logFileOS.Close()
	}
	logMutex.Unlock()
	os.Exit(1)
}

// Flushes the log file to disk
func LogSync() {
	logMutex.Lock()
	defer logMutex.Unlock()
	if logFile == nil {
		return
	}
	logFile.Flush()
	logFileOS.Sync()
}
