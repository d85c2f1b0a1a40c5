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

package orm

import (
	"strconv"
	"strings"

	"github.com/wedpr-lab/ppc-scheduler/engine/model"
	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
)

// EncodeStrings serializes values as a sequence of "<byte length>:<bytes>"
// items, so any byte content including the delimiter survives.
func EncodeStrings(values []string) string {
	var sb strings.Builder
	for _, v := range values {
		sb.WriteString(strconv.Itoa(len(v)))
		sb.WriteByte(':')
		sb.WriteString(v)
	}
	return sb.String()
}

// DecodeStrings is the inverse of EncodeStrings. It never returns nil
// on success.
func DecodeStrings(data string) ([]string, error) {
	values := []string{}
	for pos := 0; pos < len(data); {
		sep := strings.IndexByte(data[pos:], ':')
		if sep <= 0 {
			return nil, errors.ErrCodecFail.GenWithStackByArgs("missing length prefix at " + strconv.Itoa(pos))
		}
		n, err := strconv.Atoi(data[pos : pos+sep])
		if err != nil || n < 0 {
			return nil, errors.ErrCodecFail.GenWithStackByArgs("bad length prefix at " + strconv.Itoa(pos))
		}
		start := pos + sep + 1
		if start+n > len(data) {
			return nil, errors.ErrCodecFail.GenWithStackByArgs("truncated item at " + strconv.Itoa(pos))
		}
		values = append(values, data[start:start+n])
		pos = start + n
	}
	return values, nil
}

// EncodeInputsStatement serializes each statement as two items: the
// upstream id and the decimal output index.
func EncodeInputsStatement(inputs []model.InputStatement) string {
	flat := make([]string, 0, 2*len(inputs))
	for _, in := range inputs {
		flat = append(flat, in.Upstream, strconv.Itoa(in.OutputIndex))
	}
	return EncodeStrings(flat)
}

// DecodeInputsStatement is the inverse of EncodeInputsStatement.
func DecodeInputsStatement(data string) ([]model.InputStatement, error) {
	flat, err := DecodeStrings(data)
	if err != nil {
		return nil, err
	}
	if len(flat)%2 != 0 {
		return nil, errors.ErrCodecFail.GenWithStackByArgs("odd number of inputs statement items")
	}
	inputs := make([]model.InputStatement, 0, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		idx, err := strconv.Atoi(flat[i+1])
		if err != nil {
			return nil, errors.WrapError(errors.ErrCodecFail, err, "bad output index")
		}
		inputs = append(inputs, model.InputStatement{Upstream: flat[i], OutputIndex: idx})
	}
	return inputs, nil
}
