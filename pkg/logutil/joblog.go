// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package logutil

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pingcap/log"
	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// JobLogFileName is the name of the per-job log file, both in the job
// workspace and in remote storage.
const JobLogFileName = "job.log"

// JobStartLine is the sentinel logged when a job run starts.
func JobStartLine(jobID string) string {
	return fmt.Sprintf("=====start_job_%s=====", jobID)
}

// JobEndLine is the sentinel logged when a job run ends.
func JobEndLine(jobID string) string {
	return fmt.Sprintf("=====end_job_%s=====", jobID)
}

// WorkerStartLine is the sentinel logged before a worker runs its engine.
func WorkerStartLine(workerID string) string {
	return fmt.Sprintf("=====start_worker_%s=====", workerID)
}

// WorkerEndLine is the sentinel logged after a worker engine returns.
func WorkerEndLine(workerID string) string {
	return fmt.Sprintf("=====end_worker_%s=====", workerID)
}

// JobLog is a log stream partitioned by job. Every entry goes to the
// global logger and to {workspace}/{job_id}/job.log.
type JobLog struct {
	jobID  string
	path   string
	file   *os.File
	logger *zap.Logger

	closeOnce sync.Once
}

// OpenJobLog creates the job log file and logs the start sentinel. The
// log of a previous run of the job is discarded.
func OpenJobLog(workspace, jobID string) (*JobLog, error) {
	dir := filepath.Join(workspace, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Trace(err)
	}
	path := filepath.Join(dir, JobLogFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Trace(err)
	}

	syncer := zapcore.AddSync(file)
	fileLogger, _, err := log.InitLoggerWithWriteSyncer(&log.Config{
		Level:  log.GetLevel().String(),
		Format: defaultLogFormat,
	}, syncer, syncer)
	if err != nil {
		_ = file.Close()
		return nil, errors.Trace(err)
	}

	core := zapcore.NewTee(log.L().Core(), fileLogger.Core())
	jl := &JobLog{
		jobID:  jobID,
		path:   path,
		file:   file,
		logger: zap.New(core, zap.AddCaller()).With(zap.String(constFieldJobKey, jobID)),
	}
	jl.logger.Info(JobStartLine(jobID))
	return jl, nil
}

// Logger returns the job scoped logger.
func (j *JobLog) Logger() *zap.Logger {
	return j.logger
}

// Path returns the local path of the job log file.
func (j *JobLog) Path() string {
	return j.path
}

// Close logs the end sentinel and closes the file. It is safe to call
// Close more than once.
func (j *JobLog) Close() error {
	var err error
	j.closeOnce.Do(func() {
		j.logger.Info(JobEndLine(j.jobID))
		_ = j.logger.Sync()
		err = errors.Trace(j.file.Close())
	})
	return err
}

// FilterJobLog copies the lines of the latest run of jobID found in a
// shared log file, from the last start sentinel up to and including the
// matching end sentinel, into w. It returns false if no start sentinel
// exists.
func FilterJobLog(src io.Reader, jobID string, w io.Writer) (bool, error) {
	var lines []string
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return false, errors.Trace(err)
	}

	start, end := JobStartLine(jobID), JobEndLine(jobID)
	first := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.Contains(lines[i], start) {
			first = i
			break
		}
	}
	if first < 0 {
		return false, nil
	}
	for i := first; i < len(lines); i++ {
		if _, err := io.WriteString(w, lines[i]+"\n"); err != nil {
			return false, errors.Trace(err)
		}
		if strings.Contains(lines[i], end) {
			break
		}
	}
	return true, nil
}
