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

package model

import "time"

// Model replaces gorm.Model
type Model struct {
	SeqID     uint      `json:"seq-id" gorm:"primaryKey;autoIncrement"`
	CreatedAt time.Time `json:"created-at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated-at" gorm:"autoUpdateTime"`
}

// JobWorker is the persisted state of a worker. upstreams,
// inputs_statement and outputs hold length-prefixed encodings, args holds
// the JSON array of the submission.
type JobWorker struct {
	Model
	JobID           string `gorm:"column:job_id;type:varchar(128) not null;uniqueIndex:uidx_jw,priority:1"`
	WorkerID        string `gorm:"column:worker_id;type:varchar(128) not null;uniqueIndex:uidx_jw,priority:2"`
	Type            string `gorm:"column:type;type:varchar(32) not null"`
	Status          string `gorm:"column:status;type:varchar(16) not null;index:idx_st"`
	Args            string `gorm:"column:args;type:text"`
	Upstreams       string `gorm:"column:upstreams;type:text"`
	InputsStatement string `gorm:"column:inputs_statement;type:text"`
	Outputs         string `gorm:"column:outputs;type:text"`
	Retries         int    `gorm:"column:retries;type:int not null default 0"`
	RetryDelayS     int    `gorm:"column:retry_delay_s;type:int not null default 0"`
	ErrorCode       int    `gorm:"column:error_code;type:int not null default 0"`
	ErrorMessage    string `gorm:"column:error_message;type:text"`
}

// TableName implements schema.Tabler
func (JobWorker) TableName() string {
	return "job_worker"
}

// ComputingNode is a pre-provisioned remote node. Loading counts the
// outstanding leases.
type ComputingNode struct {
	Model
	ID      string `gorm:"column:id;type:varchar(128) not null;uniqueIndex:uidx_id"`
	URL     string `gorm:"column:url;type:varchar(512) not null"`
	Type    string `gorm:"column:type;type:varchar(16) not null;index:idx_tl,priority:1"`
	Token   string `gorm:"column:token;type:varchar(512)"`
	Loading int    `gorm:"column:loading;type:int not null default 0;index:idx_tl,priority:2"`
}

// TableName implements schema.Tabler
func (ComputingNode) TableName() string {
	return "computing_node"
}
