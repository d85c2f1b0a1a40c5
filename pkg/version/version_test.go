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

package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRemoveVAndHash(t *testing.T) {
	t.Parallel()

	cases := []struct {
		version string
		expect  string
	}{
		{"", ""},
		{"v1.2.0", "1.2.0"},
		{"v1.2.0-rc.1-12-g3e4f5a6b7", "1.2.0-rc.1"},
		{"v1.2.0-23-g1a2b3c4d5-dev-dirty", "1.2.0"},
		{"1.2.0-dirty", "1.2.0"},
	}
	for _, c := range cases {
		require.Equal(t, c.expect, removeVAndHash(c.version), c.version)
	}
}

func TestGetRawInfo(t *testing.T) {
	t.Parallel()

	info := GetRawInfo()
	require.Contains(t, info, "Release Version: ")
	require.Contains(t, info, "Go Version: ")
}
