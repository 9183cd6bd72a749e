package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeNaN(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "no NaN", in: `{"a":1}`, want: `{"a":1}`},
		{name: "bare value", in: `{"a":NaN}`, want: `{"a":null}`},
		{name: "inside array", in: `[1,NaN, NaN ,2]`, want: `[1,null, null ,2]`},
		{name: "string literal untouched", in: `{"msg":"NaN value"}`, want: `{"msg":"NaN value"}`},
		{name: "escaped quote in string", in: `{"m":"a\"NaN","v":NaN}`, want: `{"m":"a\"NaN","v":null}`},
		{name: "part of identifier untouched", in: `{"v":NaNx}`, want: `{"v":NaNx}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(SanitizeNaN([]byte(tt.in))))
		})
	}
}

func TestParseWorkerReply_NaNResolvesToNull(t *testing.T) {
	body := []byte(`{"status":"completed","result":{
		"grid":{"boxes":[{"lat_min":1,"lat_max":2,"lon_min":3,"lon_max":4}]},
		"pollutants":{"final_step":{"CO":[1.5,NaN]}},
		"environment":{"temperature":[NaN]}}}`)

	reply, err := ParseWorkerReply(body)
	require.NoError(t, err)
	require.NotNil(t, reply.Result)

	co := reply.Result.Pollutants.FinalStep["CO"]
	require.Len(t, co, 2)
	require.NotNil(t, co[0])
	assert.InDelta(t, 1.5, *co[0], 1e-9)
	assert.Nil(t, co[1])
	require.Len(t, reply.Result.Environment.Temperature, 1)
	assert.Nil(t, reply.Result.Environment.Temperature[0])
}

func TestParseWorkerReply_Variants(t *testing.T) {
	t.Run("final step only", func(t *testing.T) {
		reply, err := ParseWorkerReply([]byte(`{"status":"completed","result":{"grid":{"boxes":[]},"pollutants":{"final_step":{"CO":[1,2]},"steps":{}},"environment":{}}}`))
		require.NoError(t, err)
		assert.False(t, reply.Result.HasSnapshots())
	})

	t.Run("steps keyed by index", func(t *testing.T) {
		reply, err := ParseWorkerReply([]byte(`{"status":"completed","result":{"grid":{"boxes":[]},"pollutants":{"final_step":{"CO":[3]},"steps":{"1":{"CO":[2]},"0":{"CO":[1]}}},"environment":{}}}`))
		require.NoError(t, err)
		require.True(t, reply.Result.HasSnapshots())
		steps := reply.Result.Pollutants.Steps
		require.Len(t, steps, 2)
		assert.Equal(t, 0, steps[0].Index)
		assert.Equal(t, 1, steps[1].Index)
		assert.InDelta(t, 2.0, *steps[1].Pollutants["CO"][0], 1e-9)
	})

	t.Run("steps as array", func(t *testing.T) {
		reply, err := ParseWorkerReply([]byte(`{"status":"completed","result":{"grid":{"boxes":[]},"pollutants":{"final_step":{},"steps":[{"O3":[1]},{"O3":[2]}]},"environment":{}}}`))
		require.NoError(t, err)
		require.Len(t, reply.Result.Pollutants.Steps, 2)
		assert.Equal(t, 1, reply.Result.Pollutants.Steps[1].Index)
	})

	t.Run("failed reply carries no result", func(t *testing.T) {
		reply, err := ParseWorkerReply([]byte(`{"status":"failed","result":"boom"}`))
		require.NoError(t, err)
		assert.Equal(t, JobStatusFailed, reply.Status)
		assert.Nil(t, reply.Result)
	})

	t.Run("time exceeded reply", func(t *testing.T) {
		reply, err := ParseWorkerReply([]byte(`{"status":"timeExceeded","result":null}`))
		require.NoError(t, err)
		assert.Equal(t, JobStatusTimeExceeded, reply.Status)
	})
}

func TestParseWorkerReply_Malformed(t *testing.T) {
	tests := map[string]string{
		"not json":                  `not-json`,
		"unknown status":            `{"status":"done","result":null}`,
		"pending is not a reply":    `{"status":"pending"}`,
		"completed without result":  `{"status":"completed","result":null}`,
		"completed missing grid":    `{"status":"completed","result":{"pollutants":{"final_step":{}}}}`,
		"completed missing final":   `{"status":"completed","result":{"grid":{"boxes":[]},"pollutants":{}}}`,
		"non-numeric step key":      `{"status":"completed","result":{"grid":{"boxes":[]},"pollutants":{"final_step":{},"steps":{"a":{}}}}}`,
		"wrong type for pollutants": `{"status":"completed","result":{"grid":{"boxes":[]},"pollutants":{"final_step":{"CO":"x"}}}}`,
	}

	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseWorkerReply([]byte(body))
			assert.ErrorIs(t, err, ErrMalformedReply)
		})
	}
}

func TestSimulationResult_SummaryRoundTrip(t *testing.T) {
	raw := `{"grid":{"boxes":[]},"pollutants":{"final_step":{"CO":[1,2]}},"environment":{"temperature":[20]}}`
	reply, err := ParseWorkerReply([]byte(`{"status":"completed","result":` + raw + `}`))
	require.NoError(t, err)

	out, err := json.Marshal(reply.Result.Summary())
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))
}

func TestStepSeries_MarshalJSON(t *testing.T) {
	one := 1.0
	steps := StepSeries{{Index: 0, Pollutants: PollutantSet{"CO": Series{&one, nil}}}}

	out, err := json.Marshal(steps)
	require.NoError(t, err)
	assert.JSONEq(t, `{"0":{"CO":[1,null]}}`, string(out))
}
