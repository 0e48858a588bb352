// Copyright 2025 The idsweep Authors
// This file is part of the idsweep library.
//
// The idsweep library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The idsweep library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the idsweep library. If not, see <http://www.gnu.org/licenses/>.

package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The envelope's nullability rules are wire contract: success carries data
// and a null error, failure carries an error and null data.
func TestEnvelopeWireShape(t *testing.T) {
	ok, err := json.Marshal(OK(Task{TaskID: 1, StartID: 0, EndID: 2999}))
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"success":true,"data":{"task_id":1,"start_id":0,"end_id":2999},"error":null}`,
		string(ok))

	fail, err := json.Marshal(Fail[Task]("no task available"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":false,"data":null,"error":"no task available"}`, string(fail))
}

func TestAcquireRequestNullPerformance(t *testing.T) {
	var req AcquireRequest
	require.NoError(t, json.Unmarshal([]byte(`{"worker_id":"w1","last_performance":null}`), &req))
	assert.Equal(t, "w1", req.WorkerID)
	assert.Nil(t, req.LastPerformance)

	require.NoError(t, json.Unmarshal([]byte(`{"worker_id":"w1","last_performance":200}`), &req))
	require.NotNil(t, req.LastPerformance)
	assert.Equal(t, uint32(200), *req.LastPerformance)
}
